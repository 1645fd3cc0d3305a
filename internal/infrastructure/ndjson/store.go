// Package ndjson stores FHIR records as newline-delimited JSON files, one
// object per line. New events are appended; deletions and edits rewrite the
// whole file through a temp file and rename.
package ndjson

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/internal/domain/dose"
	"github.com/drfirst/go-adherence/internal/fhir/r4"
	"github.com/drfirst/go-adherence/internal/observability/metrics"
	"github.com/drfirst/go-adherence/pkg/idempotency"
)

// Default file locations relative to the data directory.
const (
	AdministrationFile = "medication_administration/MedicationAdministration.ndjson"
	RequestFile        = "medication_request/MedicationRequest.ndjson"
)

const maxLineBytes = 4 * 1024 * 1024

// Store implements dose.Store and dose.RequestStore on two NDJSON files.
type Store struct {
	adminPath   string
	requestPath string

	// mu serializes writers of both files.
	mu      sync.Mutex
	slots   *idempotency.KeyedMutex
	logger  *zap.Logger
	metrics *metrics.Metrics
}

var (
	_ dose.Store        = (*Store)(nil)
	_ dose.RequestStore = (*Store)(nil)
	_ dose.Versioned    = (*Store)(nil)
)

// New creates a store rooted at dataDir. Files are created on first write.
func New(dataDir string, logger *zap.Logger, m *metrics.Metrics) *Store {
	return NewWithPaths(
		filepath.Join(dataDir, AdministrationFile),
		filepath.Join(dataDir, RequestFile),
		logger, m,
	)
}

// NewWithPaths creates a store on explicit file paths.
func NewWithPaths(adminPath, requestPath string, logger *zap.Logger, m *metrics.Metrics) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		adminPath:   adminPath,
		requestPath: requestPath,
		slots:       idempotency.NewKeyedMutex(),
		logger:      logger,
		metrics:     m,
	}
}

// AdministrationPath returns the administration log path.
func (s *Store) AdministrationPath() string { return s.adminPath }

// Version derives a token from the size and modification time of both files.
// Appends grow a file and rewrites replace it, so writes by other processes
// sharing the directory move the token too.
func (s *Store) Version(ctx context.Context) (string, error) {
	var parts [2]string
	for i, path := range []string{s.adminPath, s.requestPath} {
		fi, err := os.Stat(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			parts[i] = "0"
		case err != nil:
			return "", fmt.Errorf("stat %s: %w", path, err)
		default:
			parts[i] = fmt.Sprintf("%d.%d", fi.Size(), fi.ModTime().UnixNano())
		}
	}
	return parts[0] + "/" + parts[1], nil
}

// line is one raw line of a file and its peeked resource type. Envelope is
// nil when the line is not valid JSON.
type line struct {
	raw      []byte
	envelope *r4.Envelope
}

// readLines returns every non-blank line of path. A missing file is empty.
func (s *Store) readLines(path string) ([]line, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	var lines []line
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	n := 0
	for scanner.Scan() {
		n++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		l := line{raw: append([]byte(nil), raw...)}
		var env r4.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			s.metrics.MalformedRecord()
			s.logger.Debug("skipping malformed record",
				zap.String("path", path),
				zap.Int("line", n),
				zap.Error(err))
		} else {
			l.envelope = &env
		}
		lines = append(lines, l)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return lines, nil
}

func (s *Store) decodeAdministration(path string, l line) (*r4.MedicationAdministration, bool) {
	if l.envelope == nil || l.envelope.ResourceType != r4.ResourceMedicationAdministration {
		return nil, false
	}
	rec := &r4.MedicationAdministration{}
	if err := rec.FromJSON(l.raw); err != nil {
		s.metrics.MalformedRecord()
		s.logger.Debug("skipping malformed administration",
			zap.String("path", path),
			zap.String("id", l.envelope.ID),
			zap.Error(err))
		return nil, false
	}
	return rec, true
}

func (s *Store) decodeRequest(path string, l line) (*r4.MedicationRequest, bool) {
	if l.envelope == nil || l.envelope.ResourceType != r4.ResourceMedicationRequest {
		return nil, false
	}
	req := &r4.MedicationRequest{}
	if err := req.FromJSON(l.raw); err != nil {
		s.metrics.MalformedRecord()
		s.logger.Debug("skipping malformed request",
			zap.String("path", path),
			zap.String("id", l.envelope.ID),
			zap.Error(err))
		return nil, false
	}
	return req, true
}

// Administrations loads every decodable MedicationAdministration.
func (s *Store) Administrations(ctx context.Context) ([]*r4.MedicationAdministration, error) {
	lines, err := s.readLines(s.adminPath)
	if err != nil {
		return nil, err
	}
	out := make([]*r4.MedicationAdministration, 0, len(lines))
	for _, l := range lines {
		if rec, ok := s.decodeAdministration(s.adminPath, l); ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Append adds records to the end of the administration log.
func (s *Store) Append(ctx context.Context, recs ...*r4.MedicationAdministration) error {
	if len(recs) == 0 {
		return nil
	}
	payloads := make([][]byte, 0, len(recs))
	for _, rec := range recs {
		b, err := rec.ToJSON()
		if err != nil {
			return fmt.Errorf("encode administration %s: %w", rec.ID, err)
		}
		payloads = append(payloads, b)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return appendLines(s.adminPath, payloads)
}

// AppendIfAbsent appends rec unless the log already holds an event for slot.
// Writers of the same slot are serialized by a keyed lock.
func (s *Store) AppendIfAbsent(ctx context.Context, rec *r4.MedicationAdministration, slot dose.Slot) (bool, error) {
	unlock := s.slots.Lock(slot.IdempotencyKey())
	defer unlock()

	existing, err := s.Administrations(ctx)
	if err != nil {
		return false, err
	}
	for _, e := range existing {
		if slot.Matches(e) {
			return false, nil
		}
	}
	if err := s.Append(ctx, rec); err != nil {
		return false, err
	}
	return true, nil
}

// RemoveWhere rewrites the administration log without the records matching
// pred. Lines of other resource types and undecodable lines are kept as-is.
func (s *Store) RemoveWhere(ctx context.Context, pred dose.Predicate) ([]*r4.MedicationAdministration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lines, err := s.readLines(s.adminPath)
	if err != nil {
		return nil, err
	}

	var removed []*r4.MedicationAdministration
	kept := make([][]byte, 0, len(lines))
	for _, l := range lines {
		if rec, ok := s.decodeAdministration(s.adminPath, l); ok && pred(rec) {
			removed = append(removed, rec)
			continue
		}
		kept = append(kept, l.raw)
	}
	if len(removed) == 0 {
		return nil, nil
	}
	if err := rewrite(s.adminPath, kept); err != nil {
		return nil, err
	}
	return removed, nil
}

// Requests loads every decodable MedicationRequest.
func (s *Store) Requests(ctx context.Context) ([]*r4.MedicationRequest, error) {
	lines, err := s.readLines(s.requestPath)
	if err != nil {
		return nil, err
	}
	out := make([]*r4.MedicationRequest, 0, len(lines))
	for _, l := range lines {
		if req, ok := s.decodeRequest(s.requestPath, l); ok {
			out = append(out, req)
		}
	}
	return out, nil
}

// AppendRequest adds an order to the request log.
func (s *Store) AppendRequest(ctx context.Context, req *r4.MedicationRequest) error {
	b, err := req.ToJSON()
	if err != nil {
		return fmt.Errorf("encode request %s: %w", req.ID, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return appendLines(s.requestPath, [][]byte{b})
}

// ReplaceRequests rewrites the MedicationRequest rows of the request log with
// reqs. Rows of other resource types are kept ahead of the new requests.
func (s *Store) ReplaceRequests(ctx context.Context, reqs []*r4.MedicationRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lines, err := s.readLines(s.requestPath)
	if err != nil {
		return err
	}
	out := make([][]byte, 0, len(lines)+len(reqs))
	for _, l := range lines {
		if l.envelope != nil && l.envelope.ResourceType == r4.ResourceMedicationRequest {
			continue
		}
		out = append(out, l.raw)
	}
	for _, req := range reqs {
		b, err := req.ToJSON()
		if err != nil {
			return fmt.Errorf("encode request %s: %w", req.ID, err)
		}
		out = append(out, b)
	}
	return rewrite(s.requestPath, out)
}

func appendLines(path string, payloads [][]byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dir for %s: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}

	var buf bytes.Buffer
	for _, p := range payloads {
		buf.Write(p)
		buf.WriteByte('\n')
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		return fmt.Errorf("append %s: %w", path, err)
	}
	return f.Close()
}

// rewrite replaces path with lines atomically.
func rewrite(path string, lines [][]byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create dir for %s: %w", path, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", path, err)
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	for _, l := range lines {
		w.Write(l)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp for %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp for %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp for %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}
