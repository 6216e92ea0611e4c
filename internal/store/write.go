package store

import (
	"errors"
	"fmt"
	"path/filepath"
	"slices"

	"github.com/agentic-research/dirtree/api"
	"github.com/agentic-research/dirtree/internal/graph"
	"github.com/agentic-research/dirtree/internal/passwd"
	"github.com/agentic-research/dirtree/internal/writeback"
)

// AddEntry appends a new record to target, or to the first source when
// target is empty. Adding a DN already present as a record fails with
// ErrEntryExists; a synthetic parent may be replaced by a real record.
func (s *Store) AddEntry(dn string, attrs api.Attributes, target string) error {
	err := s.addEntry(dn, attrs, target)
	s.observeWrite("add", err)
	return err
}

func (s *Store) addEntry(dn string, attrs api.Attributes, target string) error {
	if err := s.checkWritable(); err != nil {
		return err
	}
	rec, err := s.prepare(dn, attrs)
	if err != nil {
		return err
	}
	path, err := s.resolveTarget(target)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if n, ok := s.Lookup(rec.DN); ok && !n.IsSynthetic() {
		return fmt.Errorf("%w: %s", ErrEntryExists, rec.DN)
	}
	err = writeback.Update(path, s.writeOptions(), func(recs []api.Record) ([]api.Record, error) {
		if indexOf(recs, rec.DN) >= 0 {
			return nil, fmt.Errorf("%w: %s in %s", ErrEntryExists, rec.DN, path)
		}
		return append(recs, rec), nil
	})
	if err != nil {
		return err
	}
	s.logger.Info("entry added", "dn", rec.DN, "source", path)
	return s.afterWrite()
}

// ModifyEntry rewrites the record for dn in the source that defines the
// published entry. Each supplied attribute replaces the stored one; an
// empty value list removes it. Attributes not named are kept.
func (s *Store) ModifyEntry(dn string, attrs api.Attributes) error {
	err := s.modifyEntry(dn, attrs)
	s.observeWrite("modify", err)
	return err
}

func (s *Store) modifyEntry(dn string, changes api.Attributes) error {
	if err := s.checkWritable(); err != nil {
		return err
	}
	canonical := graph.CanonicalDN(dn)
	for name := range changes {
		if name == "" {
			return &writeback.ValidationError{Index: -1, DN: dn, Message: "empty attribute name"}
		}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	path, ok := s.owner(canonical)
	if !ok {
		return fmt.Errorf("%w: %s", ErrEntryNotFound, dn)
	}
	err := writeback.Update(path, s.writeOptions(), func(recs []api.Record) ([]api.Record, error) {
		found := false
		out := slices.Clone(recs)
		for i, r := range out {
			if graph.CanonicalDN(r.DN) != canonical {
				continue
			}
			found = true
			attrs := r.Attributes.Clone()
			if attrs == nil {
				attrs = api.Attributes{}
			}
			for name, values := range changes {
				if len(values) == 0 {
					delete(attrs, name)
					continue
				}
				attrs[name] = slices.Clone(values)
			}
			attrs, err := s.hashPasswords(r.DN, attrs)
			if err != nil {
				return nil, err
			}
			out[i] = api.Record{DN: r.DN, Attributes: attrs}
		}
		if !found {
			return nil, fmt.Errorf("%w: %s in %s", ErrEntryNotFound, dn, path)
		}
		return out, nil
	})
	if err != nil {
		return err
	}
	s.logger.Info("entry modified", "dn", canonical, "source", path)
	return s.afterWrite()
}

// DeleteEntry removes dn from every loaded source that defines it.
func (s *Store) DeleteEntry(dn string) error {
	err := s.deleteEntry(dn)
	s.observeWrite("delete", err)
	return err
}

func (s *Store) deleteEntry(dn string) error {
	if err := s.checkWritable(); err != nil {
		return err
	}
	canonical := graph.CanonicalDN(dn)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, ok := s.owner(canonical); !ok {
		return fmt.Errorf("%w: %s", ErrEntryNotFound, dn)
	}

	s.mu.RLock()
	loaded := slices.Clone(s.state.loaded)
	s.mu.RUnlock()

	var errs []error
	removed := 0
	for _, path := range loaded {
		err := writeback.Update(path, s.writeOptions(), func(recs []api.Record) ([]api.Record, error) {
			out := slices.DeleteFunc(slices.Clone(recs), func(r api.Record) bool {
				return graph.CanonicalDN(r.DN) == canonical
			})
			if len(out) == len(recs) {
				return nil, writeback.ErrNoChange
			}
			removed++
			return out, nil
		})
		if err != nil {
			errs = append(errs, err)
		}
	}
	if removed == 0 {
		if len(errs) > 0 {
			return errors.Join(errs...)
		}
		return fmt.Errorf("%w: %s", ErrEntryNotFound, dn)
	}
	s.logger.Info("entry deleted", "dn", canonical, "sources", removed)
	return errors.Join(append(errs, s.afterWrite())...)
}

// BulkWriteEntries upserts records into target, or into the first source
// when target is empty. Invalid records are logged and skipped; the rest
// replace records with the same DN or are appended.
func (s *Store) BulkWriteEntries(records []api.Record, target string) error {
	err := s.bulkWrite(records, target)
	s.observeWrite("bulk", err)
	return err
}

func (s *Store) bulkWrite(records []api.Record, target string) error {
	if err := s.checkWritable(); err != nil {
		return err
	}
	path, err := s.resolveTarget(target)
	if err != nil {
		return err
	}

	valid := make([]api.Record, 0, len(records))
	for i, r := range records {
		rec, err := s.prepare(r.DN, r.Attributes)
		if err != nil {
			s.logger.Warn("skipping invalid record in bulk write", "index", i, "dn", r.DN, "error", err)
			continue
		}
		valid = append(valid, rec)
	}
	if len(valid) == 0 {
		return nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	err = writeback.Update(path, s.writeOptions(), func(recs []api.Record) ([]api.Record, error) {
		out := slices.Clone(recs)
		for _, rec := range valid {
			if i := indexOf(out, rec.DN); i >= 0 {
				out[i] = rec
				continue
			}
			out = append(out, rec)
		}
		return out, nil
	})
	if err != nil {
		return err
	}
	s.logger.Info("bulk write committed", "records", len(valid), "skipped", len(records)-len(valid), "source", path)
	return s.afterWrite()
}

// AddSourceFile appends path to the source set and reloads. If the reload
// fails the set is left unchanged.
func (s *Store) AddSourceFile(path string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve source %s: %w", path, err)
	}

	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	current := s.Sources()
	if slices.Contains(current, abs) {
		return nil
	}
	if err := s.reloadLocked(append(current, abs), true); err != nil {
		return err
	}
	if s.watcher != nil {
		if err := s.watcher.AddFile(abs); err != nil {
			s.logger.Warn("cannot watch source directory", "source", abs, "error", err)
		}
	}
	s.logger.Info("source file added", "source", abs)
	return nil
}

// RemoveSourceFile drops path from the source set and reloads. Removing a
// file that is not in the set does nothing. If the reload fails, including
// because no source would remain, the set is left unchanged.
func (s *Store) RemoveSourceFile(path string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve source %s: %w", path, err)
	}

	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	current := s.Sources()
	i := slices.Index(current, abs)
	if i < 0 {
		return nil
	}
	next := slices.Delete(slices.Clone(current), i, i+1)
	if len(next) == 0 {
		return &MissingSourceError{}
	}
	if err := s.reloadLocked(next, true); err != nil {
		return err
	}
	s.logger.Info("source file removed", "source", abs)
	return nil
}

func (s *Store) checkWritable() error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if s.cfg.ReadOnly {
		return ErrReadOnly
	}
	return nil
}

// prepare validates a record for writing and puts it in canonical form.
func (s *Store) prepare(dn string, attrs api.Attributes) (api.Record, error) {
	rec := api.Record{DN: dn, Attributes: attrs}
	if err := writeback.ValidateRecord(rec); err != nil {
		return api.Record{}, err
	}
	rec.DN = graph.CanonicalDN(dn)
	hashed, err := s.hashPasswords(rec.DN, attrs.Clone())
	if err != nil {
		return api.Record{}, err
	}
	rec.Attributes = hashed
	return rec, nil
}

func (s *Store) hashPasswords(dn string, attrs api.Attributes) (api.Attributes, error) {
	if !s.cfg.HashPlainPasswords {
		return attrs, nil
	}
	out, _, err := passwd.Upgrade(attrs, s.cfg.PasswordCost)
	if err != nil {
		return nil, fmt.Errorf("hash password for %s: %w", dn, err)
	}
	return out, nil
}

// resolveTarget maps a write target to a source path.
func (s *Store) resolveTarget(target string) (string, error) {
	sources := s.Sources()
	if target == "" {
		return sources[0], nil
	}
	abs, err := filepath.Abs(target)
	if err != nil {
		return "", fmt.Errorf("resolve target %s: %w", target, err)
	}
	if !slices.Contains(sources, abs) {
		return "", fmt.Errorf("%w: %s", ErrUnknownSource, target)
	}
	return abs, nil
}

// owner returns the source defining the published record for dn.
func (s *Store) owner(canonical string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src, ok := s.state.winners[canonical]
	return src, ok
}

func (s *Store) afterWrite() error {
	if err := s.reload(true); err != nil {
		return fmt.Errorf("%w: %w", ErrReloadAfterWrite, err)
	}
	return nil
}

func (s *Store) observeWrite(op string, err error) {
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ObserveWrite(op, err)
	}
}

func indexOf(recs []api.Record, canonical string) int {
	return slices.IndexFunc(recs, func(r api.Record) bool {
		return graph.CanonicalDN(r.DN) == canonical
	})
}
