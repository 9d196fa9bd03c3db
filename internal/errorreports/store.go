// Package errorreports implements the ErrorReportStore: an append-only,
// per-day JSONL intake for reviewer-submitted errors, with a constrained
// status state machine and PHI deny-list enforcement (spec §4.7).
package errorreports

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/acmg-amp-mcp-server/internal/domain"
)

// deniedPatientCaseFields is the PHI deny-list checked on every submission
// (spec §4.7): a patient_case payload carrying any of these keys is
// rejected outright rather than silently scrubbed.
var deniedPatientCaseFields = map[string]bool{
	"name": true, "mrn": true, "dob": true, "admission_date": true,
}

const defaultListLimit = 50

// Store is the filesystem-backed ErrorReportStore. Writes to a given
// day's file are serialized by an in-process mutex so concurrent
// submissions never interleave lines (spec §5).
type Store struct {
	dir string
	log *logrus.Logger

	mu       sync.Mutex
	fileLock map[string]*sync.Mutex

	// index is an optional SQLite-backed accelerator for list(filters); the
	// JSONL files remain authoritative and List falls back to a full scan
	// when index is nil.
	index *SQLiteIndex
}

// AttachIndex wires a rebuilt SQLiteIndex in as the store's list(filters)
// accelerator. Every Submit/UpdateStatus after this call keeps it current.
func (s *Store) AttachIndex(idx *SQLiteIndex) { s.index = idx }

// NewStore creates a Store rooted at dir, creating the directory if
// necessary.
func NewStore(dir string, log *logrus.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating error-reports directory: %w", err)
	}
	return &Store{dir: dir, log: log, fileLock: map[string]*sync.Mutex{}}, nil
}

func (s *Store) lockFor(day string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.fileLock[day]
	if !ok {
		l = &sync.Mutex{}
		s.fileLock[day] = l
	}
	return l
}

func (s *Store) pathFor(day string) string {
	return filepath.Join(s.dir, day+".jsonl")
}

// Submit validates and appends a new error report, assigning its id,
// status, and created_at (spec §4.7 submit()).
func (s *Store) Submit(ctx context.Context, r *domain.ErrorReport) error {
	if err := checkPHI(r.PatientCase); err != nil {
		return err
	}
	if !domain.IsValidSeverity(r.Severity) {
		return domain.NewValidationError("severity", "not a recognized severity", string(r.Severity))
	}
	if !domain.IsValidErrorType(r.ErrorType) {
		return domain.NewValidationError("error_type", "not a recognized error type", string(r.ErrorType))
	}

	now := time.Now().UTC()
	day := now.Format("20060102")
	id, err := generateErrorID(now)
	if err != nil {
		return err
	}

	r.ErrorID = id
	r.Status = domain.StatusNew
	r.CreatedAt = now

	lock := s.lockFor(day)
	lock.Lock()
	defer lock.Unlock()

	f, err := os.OpenFile(s.pathFor(day), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening error-reports file: %w", err)
	}
	defer f.Close()

	line, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshaling error report: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("appending error report: %w", err)
	}

	if s.log != nil {
		entry := s.log.WithFields(logrus.Fields{"error_id": id, "severity": r.Severity, "error_type": r.ErrorType})
		if r.Severity == domain.SeverityCritical {
			entry.Warn("critical error report submitted")
		} else {
			entry.Info("error report submitted")
		}
	}
	if s.index != nil {
		if err := s.index.IndexOne(ctx, r); err != nil && s.log != nil {
			s.log.WithError(err).WithField("error_id", id).Warn("failed to update error-report index")
		}
	}
	return nil
}

func generateErrorID(t time.Time) (string, error) {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating error id: %w", err)
	}
	return fmt.Sprintf("ERR-%s-%s", t.Format("20060102"), hex.EncodeToString(buf)), nil
}

func checkPHI(patientCase map[string]interface{}) error {
	for key := range patientCase {
		if deniedPatientCaseFields[key] {
			return domain.NewEngineError(
				domain.ErrPHIField,
				fmt.Sprintf("patient_case contains a disallowed field %q", key),
				"",
				"",
			)
		}
	}
	return nil
}

// List returns error reports across every day-file, optionally filtered by
// status, severity, and/or error_type, newest first, capped at filter.Limit
// (spec §4.7 list(filters)). When a SQLiteIndex is attached it resolves the
// matching ids and their order; the JSONL files are always the source of
// the returned records.
func (s *Store) List(ctx context.Context, filter domain.ErrorReportListFilter) ([]*domain.ErrorReport, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	if s.index != nil {
		ids, err := s.index.List(ctx, filter.Status, filter.Severity, filter.ErrorType, limit)
		if err != nil {
			return nil, err
		}
		return s.hydrate(ids)
	}

	files, err := filepath.Glob(filepath.Join(s.dir, "*.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("listing error-reports directory: %w", err)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(files)))

	var results []*domain.ErrorReport
	for _, f := range files {
		reports, err := readAll(f)
		if err != nil {
			return nil, err
		}
		for i := len(reports) - 1; i >= 0; i-- {
			r := reports[i]
			if !matchesFilter(r, filter) {
				continue
			}
			results = append(results, r)
			if len(results) >= limit {
				return results, nil
			}
		}
	}
	return results, nil
}

func matchesFilter(r *domain.ErrorReport, filter domain.ErrorReportListFilter) bool {
	if filter.Status != "" && r.Status != filter.Status {
		return false
	}
	if filter.Severity != "" && r.Severity != filter.Severity {
		return false
	}
	if filter.ErrorType != "" && r.ErrorType != filter.ErrorType {
		return false
	}
	return true
}

// hydrate resolves a list of error_ids, in order, to their full records by
// reading the day-file each id's date segment names.
func (s *Store) hydrate(ids []string) ([]*domain.ErrorReport, error) {
	results := make([]*domain.ErrorReport, 0, len(ids))
	cache := map[string][]*domain.ErrorReport{}
	for _, id := range ids {
		day, err := dayFromErrorID(id)
		if err != nil {
			continue
		}
		reports, ok := cache[day]
		if !ok {
			reports, err = readAll(s.pathFor(day))
			if err != nil {
				return nil, err
			}
			cache[day] = reports
		}
		for _, r := range reports {
			if r.ErrorID == id {
				results = append(results, r)
				break
			}
		}
	}
	return results, nil
}

func readAll(path string) ([]*domain.ErrorReport, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	var reports []*domain.ErrorReport
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var r domain.ErrorReport
		if err := json.Unmarshal(line, &r); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
		reports = append(reports, &r)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return reports, nil
}

// UpdateStatus rewrites the day's file atomically with the single
// matching record transitioned to newStatus. Disallowed transitions are
// rejected without touching the file (spec §4.7, P8).
func (s *Store) UpdateStatus(ctx context.Context, errorID string, newStatus domain.ReportStatus) error {
	day, err := dayFromErrorID(errorID)
	if err != nil {
		return err
	}

	lock := s.lockFor(day)
	lock.Lock()
	defer lock.Unlock()

	path := s.pathFor(day)
	reports, err := readAll(path)
	if err != nil {
		return err
	}

	found := false
	for _, r := range reports {
		if r.ErrorID != errorID {
			continue
		}
		found = true
		if !domain.IsValidTransition(r.Status, newStatus) {
			return domain.NewEngineError(
				domain.ErrBadStatusTransition,
				fmt.Sprintf("cannot transition error report %q from %q to %q", errorID, r.Status, newStatus),
				"",
				"",
			)
		}
		if r.Status == newStatus {
			break // no-op update, P8
		}
		now := time.Now().UTC()
		r.Status = newStatus
		r.StatusUpdatedAt = &now
		break
	}
	if !found {
		return domain.NewEngineError(domain.ErrBadCase, fmt.Sprintf("no error report found with id %q", errorID), "", "")
	}

	if err := writeAtomic(path, reports); err != nil {
		return err
	}

	if s.index != nil {
		for _, r := range reports {
			if r.ErrorID == errorID {
				if err := s.index.IndexOne(ctx, r); err != nil && s.log != nil {
					s.log.WithError(err).WithField("error_id", errorID).Warn("failed to update error-report index")
				}
				break
			}
		}
	}
	return nil
}

func writeAtomic(path string, reports []*domain.ErrorReport) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	w := bufio.NewWriter(tmp)
	for _, r := range reports {
		line, err := json.Marshal(r)
		if err != nil {
			tmp.Close()
			return fmt.Errorf("marshaling error report: %w", err)
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			tmp.Close()
			return fmt.Errorf("writing temp file: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("flushing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("renaming temp file into place: %w", err)
	}
	return nil
}

func dayFromErrorID(errorID string) (string, error) {
	// ERR-YYYYMMDD-xxxxxxxx
	if len(errorID) < len("ERR-YYYYMMDD") {
		return "", domain.NewValidationError("error_id", "malformed error id", errorID)
	}
	return errorID[4:12], nil
}

var _ domain.ErrorReportStore = (*Store)(nil)
