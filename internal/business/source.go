package business

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"
)

// ErrNotFound is returned when no configuration exists for a business.
var ErrNotFound = errors.New("business configuration not found")

// validID limits business ids to characters safe in file names, topics
// and URL paths.
var validID = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,127}$`)

// ValidID reports whether id is an acceptable business id.
func ValidID(id string) bool {
	return validID.MatchString(id)
}

// Source reads stored business configuration records.
type Source interface {
	Load(ctx context.Context, businessID string) (*Raw, error)
}

// FileSource reads one YAML document per business from a directory,
// named <businessID>.yaml. Environment references in the document are
// expanded before parsing.
type FileSource struct {
	Dir string
}

// NewFileSource returns a source rooted at dir.
func NewFileSource(dir string) *FileSource {
	return &FileSource{Dir: dir}
}

// Load reads and parses the record for businessID. A suppliers_vcard
// reference is read relative to the directory and merged into the
// record's suppliers.
func (s *FileSource) Load(ctx context.Context, businessID string) (*Raw, error) {
	if !ValidID(businessID) {
		return nil, &ConfigurationError{BusinessID: businessID, Field: "business_id", Reason: "invalid business id"}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path := filepath.Join(s.Dir, businessID+".yaml")
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, businessID)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var raw Raw
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &raw); err != nil {
		return nil, &ConfigurationError{BusinessID: businessID, Reason: fmt.Sprintf("parse %s: %v", path, err)}
	}
	if raw.BusinessID == "" {
		raw.BusinessID = businessID
	}
	if raw.BusinessID != businessID {
		return nil, &ConfigurationError{
			BusinessID: businessID,
			Field:      "business_id",
			Reason:     fmt.Sprintf("file declares %q", raw.BusinessID),
		}
	}

	if raw.SuppliersVCard != "" {
		cardPath := raw.SuppliersVCard
		if !filepath.IsAbs(cardPath) {
			cardPath = filepath.Join(s.Dir, cardPath)
		}
		f, err := os.Open(cardPath)
		if err != nil {
			return nil, &ConfigurationError{BusinessID: businessID, Field: "suppliers_vcard", Reason: err.Error()}
		}
		defer f.Close()
		cards, err := ParseSupplierCards(f)
		if err != nil {
			return nil, &ConfigurationError{BusinessID: businessID, Field: "suppliers_vcard", Reason: err.Error()}
		}
		raw.Suppliers = append(raw.Suppliers, cards...)
	}

	return &raw, nil
}

// Resolver loads stored records and resolves them.
type Resolver struct {
	source Source
	logger *slog.Logger
}

// NewResolver creates a resolver reading from source.
func NewResolver(source Source, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{source: source, logger: logger}
}

// Load returns the resolved configuration for businessID.
func (r *Resolver) Load(ctx context.Context, businessID string) (*Configuration, error) {
	raw, err := r.source.Load(ctx, businessID)
	if err != nil {
		return nil, err
	}
	cfg, err := Resolve(*raw)
	if err != nil {
		r.logger.Warn("business configuration rejected",
			"business_id", businessID,
			"error", err,
		)
		return nil, err
	}
	r.logger.Debug("business configuration resolved",
		"business_id", cfg.BusinessID,
		"industries", cfg.IndustryTypes,
		"scope", cfg.ScopeLabels(),
		"team", len(cfg.Team),
		"suppliers", len(cfg.Suppliers),
	)
	return cfg, nil
}
