/*
Copyright 2022 The Numaproj Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package wal implements the delivery spool: one append-only segment file
// per destination holding the payloads that were produced but not yet
// committed. Replaying the segment after a restart restores the backlog of a
// destination that was lagging when the process stopped.
package wal

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
)

const (
	IEEE            = 0xedb88320
	EntryHeaderSize = 20
	SegmentSuffix   = ".wal"
	// maxEntrySize guards against allocating a huge buffer for a garbage length
	maxEntrySize = 1 << 30
)

var (
	errChecksumMismatch = fmt.Errorf("data checksum not match")
	errEntryTooLarge    = fmt.Errorf("entry length exceeds limit")
)

// entryHeaderPreamble is the header for each segment entry
type entryHeaderPreamble struct {
	BatchID    int64
	MessageLen int64
	Checksum   uint32
}

// Entry is one spooled payload.
type Entry struct {
	BatchID int64
	Body    []byte
}

// Segment is a single spool file. It is not shared between destinations.
type Segment struct {
	path        string
	fp          *os.File
	lock        sync.Mutex
	wOffset     int64 // wOffset is the write offset as tracked by the writer
	lastBatchID int64
	entries     int
	corrupted   bool
	log         *zap.SugaredLogger
}

func calculateChecksum(data []byte) uint32 {
	crc32q := crc32.MakeTable(IEEE)
	return crc32.Checksum(data, crc32q)
}

// Open opens or creates the segment at path and replays it. Intact entries
// are returned in write order. A torn or corrupted tail, left by a crash in
// the middle of an append, is truncated away.
func Open(path string, log *zap.SugaredLogger) (*Segment, []Entry, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, nil, err
	}
	fp, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open spool segment %s: %w", path, err)
	}
	s := &Segment{path: path, fp: fp, log: log.With("segment", path)}
	entries, err := s.replay()
	if err != nil {
		_ = fp.Close()
		return nil, nil, err
	}
	return s, entries, nil
}

func (s *Segment) replay() ([]Entry, error) {
	stat, err := s.fp.Stat()
	if err != nil {
		return nil, err
	}
	readUpTo := stat.Size()
	if _, err = s.fp.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	reader := bufio.NewReader(s.fp)
	var entries []Entry
	var rOffset int64
	for rOffset < readUpTo {
		entry, size, err := decodeEntry(reader)
		if err != nil {
			if errors.Is(err, errChecksumMismatch) || errors.Is(err, errEntryTooLarge) {
				s.corrupted = true
			}
			s.log.Warnw("Truncating spool segment tail", zap.Int64("offset", rOffset), zap.Int64("size", readUpTo), zap.Error(err))
			if err = s.truncate(rOffset); err != nil {
				return nil, err
			}
			break
		}
		if entry.BatchID <= s.lastBatchID {
			return nil, fmt.Errorf("spool segment %s is out of order: batch %d after %d", s.path, entry.BatchID, s.lastBatchID)
		}
		rOffset += size
		s.lastBatchID = entry.BatchID
		entries = append(entries, entry)
	}
	s.wOffset = rOffset
	s.entries = len(entries)
	return entries, nil
}

func decodeEntry(buf io.Reader) (Entry, int64, error) {
	var header = new(entryHeaderPreamble)
	if err := binary.Read(buf, binary.LittleEndian, header); err != nil {
		return Entry{}, 0, err
	}
	if header.MessageLen < 0 || header.MessageLen > maxEntrySize {
		return Entry{}, 0, errEntryTooLarge
	}
	body := make([]byte, header.MessageLen)
	if _, err := io.ReadFull(buf, body); err != nil {
		return Entry{}, 0, err
	}
	if calculateChecksum(body) != header.Checksum {
		return Entry{}, 0, errChecksumMismatch
	}
	return Entry{BatchID: header.BatchID, Body: body}, EntryHeaderSize + header.MessageLen, nil
}

// encodeEntry frames one entry as follows
//
//	+------------------+------------------+--------------+-------------+
//	| batch id (int64) | body-len (int64) | CRC (uint32) | body []byte |
//	+------------------+------------------+--------------+-------------+
//
// CRC is used for detecting torn or corrupted writes.
func encodeEntry(batchID int64, body []byte) (*bytes.Buffer, error) {
	buf := new(bytes.Buffer)
	header := entryHeaderPreamble{
		BatchID:    batchID,
		MessageLen: int64(len(body)),
		Checksum:   calculateChecksum(body),
	}
	if err := binary.Write(buf, binary.LittleEndian, header); err != nil {
		return nil, err
	}
	if _, err := buf.Write(body); err != nil {
		return nil, err
	}
	return buf, nil
}

// Append writes an entry and syncs the file. The entry is durable once Append returns.
func (s *Segment) Append(batchID int64, body []byte) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if batchID <= s.lastBatchID {
		return fmt.Errorf("batch %d is not after the last spooled batch %d", batchID, s.lastBatchID)
	}
	entry, err := encodeEntry(batchID, body)
	if err != nil {
		return err
	}
	wrote, err := s.fp.WriteAt(entry.Bytes(), s.wOffset)
	if wrote != entry.Len() {
		return fmt.Errorf("expected to write %d, but wrote only %d, %w", entry.Len(), wrote, err)
	}
	if err != nil {
		return err
	}
	if err = s.fp.Sync(); err != nil {
		return err
	}
	// Only increase the write offset when we successfully write for atomicity.
	s.wOffset += int64(wrote)
	s.lastBatchID = batchID
	s.entries++
	return nil
}

// Reset drops every entry. It is called once all spooled batches are committed.
// The last batch id is kept so appends stay ordered.
func (s *Segment) Reset() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.wOffset == 0 {
		return nil
	}
	if err := s.truncate(0); err != nil {
		return err
	}
	s.wOffset = 0
	s.entries = 0
	return nil
}

func (s *Segment) truncate(size int64) error {
	if err := s.fp.Truncate(size); err != nil {
		return fmt.Errorf("failed to truncate spool segment %s: %w", s.path, err)
	}
	return s.fp.Sync()
}

// LastBatchID returns the newest batch ever appended, 0 if none.
func (s *Segment) LastBatchID() int64 {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.lastBatchID
}

// Len returns the number of entries in the segment.
func (s *Segment) Len() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.entries
}

// IsCorrupted reports whether replay found a checksum mismatch.
func (s *Segment) IsCorrupted() bool {
	return s.corrupted
}

// Close closes the segment file.
func (s *Segment) Close() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.fp.Close()
}
