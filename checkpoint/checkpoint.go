// Package checkpoint implements the opaque checkpoint blob of spec §6:
// "Must include: the resampler RNG state, the driver's current_iteration,
// and any topology versioning needed to reinterpret bin indices." Replaces
// the teacher-language source's pickled driver state (Design Notes: "never
// restore by deserializing arbitrary graphs") with a versioned, magic- and
// length-prefixed record whose payload is a plain jsoniter-encoded struct,
// LZ4-compressed the way the teacher's cmn/archive writers wrap an
// io.Writer with an LZ4 stream.
/*
 * Copyright (c) 2024, wesim-project. All rights reserved.
 */
package checkpoint

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"

	jsoniter "github.com/json-iterator/go"
	"github.com/pierrec/lz4/v3"
	"github.com/teris-io/shortid"

	"github.com/wesim-project/wesim/cmn"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// magic identifies a wesim checkpoint file; formatVersion gates decoding of
// an unrecognized future payload shape, per the Design Notes' "never
// restore by deserializing arbitrary graphs" directive: an unknown version
// is a cmn.ErrConfig, not a best-effort decode.
const (
	magic          = "WESIMCKPT"
	formatVersion  = uint8(1)
)

// Payload is exactly the three required items from spec §6, plus a RunID
// correlating a checkpoint with the IterationSummary diagnostics that were
// current when it was written.
type Payload struct {
	RunID            string `json:"run_id"`
	CurrentIteration uint64 `json:"current_iteration"`
	RNGState         uint64 `json:"rng_state"`
	TopologyVersion  string `json:"topology_version"`
}

// NewRunID generates a fresh, opaque, URL-safe id for a simulation run,
// the same way the teacher's downloader package stamps each download job.
func NewRunID() (string, error) {
	return shortid.Generate()
}

// Encode serializes payload into the versioned, compressed blob format.
func Encode(p Payload) ([]byte, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return nil, cmn.Wrap(err, "encoding checkpoint payload")
	}

	var compressed bytes.Buffer
	zw := lz4.NewWriter(&compressed)
	if _, err := zw.Write(body); err != nil {
		return nil, cmn.Wrap(err, "lz4-compressing checkpoint payload")
	}
	if err := zw.Close(); err != nil {
		return nil, cmn.Wrap(err, "closing lz4 writer")
	}

	var out bytes.Buffer
	out.WriteString(magic)
	out.WriteByte(byte(formatVersion))
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(compressed.Len()))
	out.Write(lenBuf[:])
	out.Write(compressed.Bytes())
	return out.Bytes(), nil
}

// Decode parses a blob previously produced by Encode.
func Decode(blob []byte) (Payload, error) {
	var p Payload
	if len(blob) < len(magic)+1+4 {
		return p, cmn.Wrap(cmn.ErrConfig, "checkpoint blob too short")
	}
	if string(blob[:len(magic)]) != magic {
		return p, cmn.Wrap(cmn.ErrConfig, "checkpoint blob missing magic header")
	}
	off := len(magic)
	version := blob[off]
	off++
	if version != formatVersion {
		return p, cmn.Wrapf(cmn.ErrConfig, "checkpoint blob format version %d unsupported (expected %d)", version, formatVersion)
	}
	n := binary.BigEndian.Uint32(blob[off : off+4])
	off += 4
	if uint32(len(blob)-off) < n {
		return p, cmn.Wrap(cmn.ErrConfig, "checkpoint blob truncated")
	}
	zr := lz4.NewReader(bytes.NewReader(blob[off : off+int(n)]))
	body, err := io.ReadAll(zr)
	if err != nil {
		return p, cmn.Wrap(err, "lz4-decompressing checkpoint payload")
	}
	if err := json.Unmarshal(body, &p); err != nil {
		return p, cmn.Wrap(err, "decoding checkpoint payload")
	}
	return p, nil
}

// Save writes the encoded blob to path, replacing any existing file only
// after the new content is fully written (rename-on-success), so a crash
// mid-write can never leave a half-written checkpoint at path.
func Save(path string, p Payload) error {
	blob, err := Encode(p)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o644); err != nil {
		return cmn.Wrapf(err, "writing checkpoint to %s", tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		return cmn.Wrapf(err, "renaming checkpoint into place at %s", path)
	}
	return nil
}

// Load reads and decodes the checkpoint at path.
func Load(path string) (Payload, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return Payload{}, cmn.Wrapf(err, "reading checkpoint %s", path)
	}
	return Decode(blob)
}
