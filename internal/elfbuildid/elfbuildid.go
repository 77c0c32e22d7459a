// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

// Package elfbuildid extracts GNU build-ids from ELF files.
package elfbuildid

import (
	"debug/elf"
	"encoding/binary"
	"encoding/hex"
	"io"
	"os"
)

// noteGNUBuildID is the note type for a GNU build-id,
// from binutils/include/elf/common.h.
const noteGNUBuildID = 3

// Find returns the lowercase hex-encoded GNU build-id embedded in the ELF
// file at path.
//
// Find distinguishes two failure modes: if the file cannot be opened, it
// returns a non-nil error that the caller should treat as an I/O problem
// worth a warning. If the file opens fine but is not a well-formed ELF
// object (including when a read fails while parsing it), or is ELF but
// carries no build-id note, Find returns
// ("", false, nil); a parse failure is deliberately not surfaced as an
// error, because [debug/elf]'s error values don't distinguish "malformed
// ELF" from "not ELF at all", and a store walk routinely encounters
// zero-length files, sparse files, and non-ELF regular files.
func Find(path string) (id string, ok bool, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", false, err
	}
	defer f.Close()

	ef, err := elf.NewFile(f)
	if err != nil {
		// Malformed or non-ELF: false negative by design, not an error.
		return "", false, nil
	}
	defer ef.Close()

	id, ok = readBuildID(ef)
	return id, ok, nil
}

func readBuildID(f *elf.File) (string, bool) {
	sect := f.Section(".note.gnu.build-id")
	if sect == nil {
		return "", false
	}
	if sect.Type != elf.SHT_NOTE {
		return "", false
	}
	r := sect.Open()
	var hdr struct {
		NameSize, DescSize, NoteType uint32
	}
	if err := binary.Read(r, f.ByteOrder, &hdr); err != nil {
		return "", false
	}
	if hdr.NoteType != noteGNUBuildID {
		return "", false
	}
	name, err := readAligned4(r, hdr.NameSize)
	if err != nil || string(name) != "GNU\x00" {
		return "", false
	}
	desc, err := readAligned4(r, hdr.DescSize)
	if err != nil || len(desc) < 2 {
		return "", false
	}
	return hex.EncodeToString(desc), true
}

// readAligned4 reads a note field of sz bytes, rounded up to the next
// 4-byte boundary as required by the ELF note format.
func readAligned4(r io.Reader, sz uint32) ([]byte, error) {
	full := (sz + 3) &^ 3
	buf := make([]byte, full)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf[:sz], nil
}
