package protocols

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/technosupport/ts-utm/internal/data"
)

// Source merges the three protocol origins. For an identical (type, severity)
// key the database beats the file, which beats the system default.
type Source struct {
	filePath string
	repo     data.ProtocolRepository
	log      *zap.Logger
}

// NewSource builds a Source. filePath and repo are both optional.
func NewSource(filePath string, repo data.ProtocolRepository, log *zap.Logger) *Source {
	if log == nil {
		log = zap.NewNop()
	}
	return &Source{filePath: filePath, repo: repo, log: log}
}

func (s *Source) FilePath() string { return s.filePath }

// Load returns the merged list, lowest precedence first.
func (s *Source) Load(ctx context.Context) ([]data.Protocol, error) {
	merged := Defaults()

	if s.filePath != "" {
		fromFile, err := LoadFile(s.filePath)
		if err != nil {
			return nil, fmt.Errorf("protocol file: %w", err)
		}
		merged = append(merged, fromFile...)
	}

	if s.repo != nil {
		fromDB, err := s.repo.ListActiveProtocols(ctx)
		if err != nil {
			return nil, fmt.Errorf("protocol table: %w", err)
		}
		for i := range fromDB {
			fromDB[i].Source = SourceDatabase
		}
		merged = append(merged, fromDB...)
	}

	return Merge(merged), nil
}

// Merge keeps the last protocol per (type, severity) and drops inactive ones.
// Order of first appearance is preserved.
func Merge(list []data.Protocol) []data.Protocol {
	type key struct {
		t data.EmergencyType
		s data.Severity
	}
	idx := make(map[key]int, len(list))
	var out []data.Protocol
	for _, p := range list {
		k := key{p.EmergencyType, p.Severity}
		if i, ok := idx[k]; ok {
			out[i] = p
			continue
		}
		idx[k] = len(out)
		out = append(out, p)
	}

	active := out[:0]
	for _, p := range out {
		if p.IsActive {
			active = append(active, p)
		}
	}
	return active
}
