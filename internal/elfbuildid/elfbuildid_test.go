// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package elfbuildid

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
)

func TestFindNotELF(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "plain.txt")
	if err := os.WriteFile(path, []byte("hello, world\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	id, ok, err := Find(path)
	if err != nil {
		t.Fatalf("Find(%q) error = %v, want nil", path, err)
	}
	if ok {
		t.Errorf("Find(%q) = %q, true; want false", path, id)
	}
}

func TestFindZeroLength(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "empty")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	id, ok, err := Find(path)
	if err != nil {
		t.Fatalf("Find(%q) error = %v, want nil", path, err)
	}
	if ok {
		t.Errorf("Find(%q) = %q, true; want false", path, id)
	}
}

func TestFindMissing(t *testing.T) {
	_, _, err := Find(filepath.Join(t.TempDir(), "does-not-exist"))
	if err == nil {
		t.Error("Find on missing file returned nil error, want I/O error")
	}
}

func TestFindBuildID(t *testing.T) {
	const wantID = "0123abcd"
	path := filepath.Join(t.TempDir(), "hello")
	desc, err := hex.DecodeString(wantID)
	if err != nil {
		t.Fatal(err)
	}
	writeMinimalELF(t, path, desc)

	id, ok, err := Find(path)
	if err != nil {
		t.Fatalf("Find(%q) error = %v", path, err)
	}
	if !ok {
		t.Fatalf("Find(%q) found no build-id, want %q", path, wantID)
	}
	if id != wantID {
		t.Errorf("Find(%q) = %q, want %q", path, id, wantID)
	}
}

func TestFindNoBuildIDNote(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stripped")
	writeMinimalELF(t, path, nil)

	id, ok, err := Find(path)
	if err != nil {
		t.Fatalf("Find(%q) error = %v", path, err)
	}
	if ok {
		t.Errorf("Find(%q) = %q, true; want false (no build-id note)", path, id)
	}
}

// writeMinimalELF writes a minimal valid little-endian ELF64 file to path
// containing a .shstrtab section and, if desc is non-nil, a
// .note.gnu.build-id section whose note descriptor is desc.
func writeMinimalELF(t *testing.T, path string, desc []byte) {
	t.Helper()

	const shstrtab = "\x00.shstrtab\x00.note.gnu.build-id\x00"
	const nameShstrtab = 1
	const nameNote = 11
	const noteName = "GNU\x00"

	var note bytes.Buffer
	if desc != nil {
		var hdr [12]byte
		binary.LittleEndian.PutUint32(hdr[0:4], uint32(len(noteName)))
		binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(desc)))
		binary.LittleEndian.PutUint32(hdr[8:12], noteGNUBuildID)
		note.Write(hdr[:])
		note.WriteString(noteName)
		padTo4(&note)
		note.Write(desc)
		padTo4(&note)
	}

	const ehdrSize = 64
	var body bytes.Buffer

	shstrtabOff := ehdrSize + body.Len()
	body.WriteString(shstrtab)

	var noteOff, noteSize int
	haveNote := desc != nil
	if haveNote {
		noteOff = ehdrSize + body.Len()
		noteSize = note.Len()
		body.Write(note.Bytes())
	}

	shoff := ehdrSize + body.Len()

	type rawSection struct {
		name, typ    uint32
		off, size    uint64
	}
	sections := []rawSection{
		{}, // SHN_UNDEF
		{name: nameShstrtab, typ: uint32(elf.SHT_STRTAB), off: uint64(shstrtabOff), size: uint64(len(shstrtab))},
	}
	if haveNote {
		sections = append(sections, rawSection{
			name: nameNote,
			typ:  uint32(elf.SHT_NOTE),
			off:  uint64(noteOff),
			size: uint64(noteSize),
		})
	}

	var out bytes.Buffer
	out.Write(make([]byte, ehdrSize))
	out.Write(body.Bytes())
	for _, sh := range sections {
		var raw [64]byte
		binary.LittleEndian.PutUint32(raw[0:4], sh.name)
		binary.LittleEndian.PutUint32(raw[4:8], sh.typ)
		binary.LittleEndian.PutUint64(raw[24:32], sh.off)
		binary.LittleEndian.PutUint64(raw[32:40], sh.size)
		out.Write(raw[:])
	}

	data := out.Bytes()
	writeELFHeader(data, shoff, uint16(len(sections)), 1)

	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
}

func writeELFHeader(data []byte, shoff int, shnum, shstrndx uint16) {
	copy(data[0:4], []byte{0x7f, 'E', 'L', 'F'})
	data[4] = 2 // ELFCLASS64
	data[5] = 1 // ELFDATA2LSB
	data[6] = 1 // EV_CURRENT
	binary.LittleEndian.PutUint16(data[16:18], uint16(elf.ET_EXEC))
	binary.LittleEndian.PutUint16(data[18:20], uint16(elf.EM_X86_64))
	binary.LittleEndian.PutUint32(data[20:24], 1)
	binary.LittleEndian.PutUint64(data[40:48], uint64(shoff))
	binary.LittleEndian.PutUint16(data[52:54], 64) // e_ehsize
	binary.LittleEndian.PutUint16(data[58:60], 64) // e_shentsize
	binary.LittleEndian.PutUint16(data[60:62], shnum)
	binary.LittleEndian.PutUint16(data[62:64], shstrndx)
}

func padTo4(buf *bytes.Buffer) {
	for buf.Len()%4 != 0 {
		buf.WriteByte(0)
	}
}
