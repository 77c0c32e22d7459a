// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package scan

import (
	"context"
	"debug/elf"
	"encoding/binary"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/distr1/debuginfod/internal/index"
)

// fakeTool implements storeadapter.Tool for tests without a real store.
type fakeTool struct {
	derivers map[string]string // storePath -> drv path
	outputs  map[string][]string
}

func (f *fakeTool) Realise(ctx context.Context, path string) error { return nil }

func (f *fakeTool) DeriverOf(ctx context.Context, path string) (string, bool, error) {
	drv, ok := f.derivers[path]
	return drv, ok, nil
}

func (f *fakeTool) OutputsOf(ctx context.Context, drv string) ([]string, error) {
	return f.outputs[drv], nil
}

func writeELFWithBuildID(t *testing.T, path, idHex string) {
	t.Helper()
	desc, err := hex.DecodeString(idHex)
	if err != nil {
		t.Fatal(err)
	}
	data := buildMinimalELF(t, desc)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o755); err != nil {
		t.Fatal(err)
	}
}

// buildMinimalELF duplicates the fixture builder in elfbuildid_test.go;
// kept local so this package's tests have no cross-package test
// dependency.
func buildMinimalELF(t *testing.T, desc []byte) []byte {
	t.Helper()
	const shstrtab = "\x00.shstrtab\x00.note.gnu.build-id\x00"
	const nameShstrtab = 1
	const nameNote = 11
	const noteName = "GNU\x00"
	const noteGNUBuildID = 3

	var note []byte
	if desc != nil {
		hdr := make([]byte, 12)
		binary.LittleEndian.PutUint32(hdr[0:4], uint32(len(noteName)))
		binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(desc)))
		binary.LittleEndian.PutUint32(hdr[8:12], noteGNUBuildID)
		note = append(note, hdr...)
		note = append(note, noteName...)
		note = padTo4(note)
		note = append(note, desc...)
		note = padTo4(note)
	}

	const ehdrSize = 64
	var body []byte
	shstrtabOff := ehdrSize + len(body)
	body = append(body, shstrtab...)

	var noteOff, noteSize int
	haveNote := desc != nil
	if haveNote {
		noteOff = ehdrSize + len(body)
		noteSize = len(note)
		body = append(body, note...)
	}
	shoff := ehdrSize + len(body)

	type rawSection struct{ name, typ uint32; off, size uint64 }
	sections := []rawSection{
		{},
		{name: nameShstrtab, typ: uint32(elf.SHT_STRTAB), off: uint64(shstrtabOff), size: uint64(len(shstrtab))},
	}
	if haveNote {
		sections = append(sections, rawSection{name: nameNote, typ: uint32(elf.SHT_NOTE), off: uint64(noteOff), size: uint64(noteSize)})
	}

	out := make([]byte, ehdrSize)
	out = append(out, body...)
	for _, sh := range sections {
		raw := make([]byte, 64)
		binary.LittleEndian.PutUint32(raw[0:4], sh.name)
		binary.LittleEndian.PutUint32(raw[4:8], sh.typ)
		binary.LittleEndian.PutUint64(raw[24:32], sh.off)
		binary.LittleEndian.PutUint64(raw[32:40], sh.size)
		out = append(out, raw...)
	}

	copy(out[0:4], []byte{0x7f, 'E', 'L', 'F'})
	out[4] = 2
	out[5] = 1
	out[6] = 1
	binary.LittleEndian.PutUint16(out[16:18], uint16(elf.ET_EXEC))
	binary.LittleEndian.PutUint16(out[18:20], uint16(elf.EM_X86_64))
	binary.LittleEndian.PutUint32(out[20:24], 1)
	binary.LittleEndian.PutUint64(out[40:48], uint64(shoff))
	binary.LittleEndian.PutUint16(out[52:54], 64)
	binary.LittleEndian.PutUint16(out[58:60], 64)
	binary.LittleEndian.PutUint16(out[60:62], uint16(len(sections)))
	binary.LittleEndian.PutUint16(out[62:64], 1)
	return out
}

func padTo4(b []byte) []byte {
	for len(b)%4 != 0 {
		b = append(b, 0)
	}
	return b
}

func TestScanOrdinaryOutputWithDebugSibling(t *testing.T) {
	storeDir := t.TempDir()
	exe := filepath.Join(storeDir, "aaa-hello", "bin", "hello")
	writeELFWithBuildID(t, exe, "0123abcd")

	debugOut := filepath.Join(storeDir, "bbb-hello-debug")
	debugFile := filepath.Join(debugOut, "lib", "debug", ".build-id", "01", "23abcd.debug")
	if err := os.MkdirAll(filepath.Dir(debugFile), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(debugFile, []byte("debug"), 0o644); err != nil {
		t.Fatal(err)
	}

	tool := &fakeTool{
		derivers: map[string]string{
			filepath.Join(storeDir, "aaa-hello"): filepath.Join(storeDir, "ccc.drv"),
		},
		outputs: map[string][]string{
			filepath.Join(storeDir, "ccc.drv"): {
				filepath.Join(storeDir, "aaa-hello"),
				debugOut,
			},
		},
	}

	var got []index.Entry
	err := Scan(context.Background(), tool, filepath.Join(storeDir, "aaa-hello"), func(e index.Entry) {
		got = append(got, e)
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("Scan produced %d entries, want 1: %+v", len(got), got)
	}
	want := index.Entry{
		BuildID:    "0123abcd",
		Executable: exe,
		Debuginfo:  debugFile,
	}
	if got[0] != want {
		t.Errorf("Scan entry = %+v, want %+v", got[0], want)
	}
}

func TestScanDebugTreeAlone(t *testing.T) {
	storeDir := t.TempDir()
	debugOut := filepath.Join(storeDir, "bbb-hello-debug")
	debugFile := filepath.Join(debugOut, "lib", "debug", ".build-id", "01", "23abcd.debug")
	if err := os.MkdirAll(filepath.Dir(debugFile), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(debugFile, []byte("debug"), 0o644); err != nil {
		t.Fatal(err)
	}

	tool := &fakeTool{}
	var got []index.Entry
	err := Scan(context.Background(), tool, debugOut, func(e index.Entry) {
		got = append(got, e)
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("Scan produced %d entries, want 1: %+v", len(got), got)
	}
	want := index.Entry{
		BuildID:   "0123abcd",
		Debuginfo: debugFile,
	}
	if got[0] != want {
		t.Errorf("Scan entry = %+v, want %+v", got[0], want)
	}
}

func TestScanNoBuildIDNoEntry(t *testing.T) {
	storeDir := t.TempDir()
	exe := filepath.Join(storeDir, "aaa-hello", "bin", "hello")
	if err := os.MkdirAll(filepath.Dir(exe), 0o755); err != nil {
		t.Fatal(err)
	}
	data := buildMinimalELF(t, nil)
	if err := os.WriteFile(exe, data, 0o755); err != nil {
		t.Fatal(err)
	}

	tool := &fakeTool{}
	var got []index.Entry
	err := Scan(context.Background(), tool, filepath.Join(storeDir, "aaa-hello"), func(e index.Entry) {
		got = append(got, e)
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("Scan produced %d entries for a build-id-less binary, want 0: %+v", len(got), got)
	}
}

func TestPredictDebugPath(t *testing.T) {
	got := PredictDebugPath("/store/out-debug", "0123abcd")
	want := filepath.Join("/store/out-debug", "lib", "debug", ".build-id", "01", "23abcd.debug")
	if got != want {
		t.Errorf("PredictDebugPath = %q, want %q", got, want)
	}
}

func TestScanNotADirectory(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "not-a-dir")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	var got []index.Entry
	err := Scan(context.Background(), &fakeTool{}, file, func(e index.Entry) { got = append(got, e) })
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("Scan on a non-directory produced entries: %+v", got)
	}
}
