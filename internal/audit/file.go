package audit

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const genesis = "sha256:0000000000000000000000000000000000000000000000000000000000000000"

// fileLine is one JSONL entry. Hash covers prev, slot, key and value, so
// editing or dropping a line breaks every later hash.
type fileLine struct {
	Slot  string          `json:"slot"`
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
	Prev  string          `json:"prev"`
	Hash  string          `json:"hash"`
}

// FileSink appends hash-chained JSON lines to a file.
type FileSink struct {
	mu   sync.Mutex
	f    *os.File
	last string
}

// OpenFile opens path for appending and resumes its chain.
func OpenFile(path string) (*FileSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	last, err := VerifyFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, err
	}
	return &FileSink{f: f, last: last}, nil
}

func lineHash(prev, slot, key string, value []byte) string {
	h := sha256.New()
	for _, part := range [][]byte{[]byte(prev), []byte(slot), []byte(key), value} {
		h.Write(part)
		h.Write([]byte{0})
	}
	return "sha256:" + hex.EncodeToString(h.Sum(nil))
}

func (s *FileSink) Insert(_ context.Context, slot, key string, value []byte) error {
	if !json.Valid(value) {
		return errors.New("audit file: value is not JSON")
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, value); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	line := fileLine{Slot: slot, Key: key, Value: compact.Bytes(), Prev: s.last}
	line.Hash = lineHash(line.Prev, slot, key, line.Value)
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(line); err != nil {
		return err
	}
	if _, err := s.f.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("audit file write: %w", err)
	}
	s.last = line.Hash
	return nil
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}

// VerifyFile walks the chain in path and returns the last hash. An empty
// or missing file verifies to the genesis hash.
func VerifyFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return genesis, err
		}
		return "", err
	}
	defer f.Close()

	prev := genesis
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64<<10), 16<<20)
	for n := 1; sc.Scan(); n++ {
		var l fileLine
		if err := json.Unmarshal(sc.Bytes(), &l); err != nil {
			return "", fmt.Errorf("audit file line %d: %w", n, err)
		}
		if l.Prev != prev {
			return "", fmt.Errorf("audit file line %d: chain broken", n)
		}
		if lineHash(l.Prev, l.Slot, l.Key, l.Value) != l.Hash {
			return "", fmt.Errorf("audit file line %d: hash mismatch", n)
		}
		prev = l.Hash
	}
	return prev, sc.Err()
}
