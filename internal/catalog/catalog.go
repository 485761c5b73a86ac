package catalog

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// #region reward-kind
// RewardKind selects which posterior family a feature learns with.
type RewardKind string

const (
	RewardBinary     RewardKind = "binary"
	RewardContinuous RewardKind = "continuous"
)

// #endregion reward-kind

// #region feature
// Feature is one selectable UI element (an arm).
type Feature struct {
	ID              string     `yaml:"id" json:"id"`
	Label           string     `yaml:"label" json:"label,omitempty"`
	Critical        bool       `yaml:"critical" json:"critical"`
	DefaultPriority int        `yaml:"default_priority" json:"default_priority"`
	Reward          RewardKind `yaml:"reward" json:"reward"`
}

// #endregion feature

// #region errors
// ErrUnknownFeature matches any UnknownFeatureError via errors.Is.
var ErrUnknownFeature = errors.New("unknown feature")

// UnknownFeatureError is a caller bug: the feature is not in the catalog.
type UnknownFeatureError struct {
	FeatureID string
}

func (e *UnknownFeatureError) Error() string {
	return fmt.Sprintf("unknown feature %q", e.FeatureID)
}

func (e *UnknownFeatureError) Is(target error) bool {
	return target == ErrUnknownFeature
}

// #endregion errors

// #region catalog
// Catalog is the immutable set of candidate features supplied by the EHR layer.
type Catalog struct {
	byID  map[string]Feature
	order []string
}

type catalogFile struct {
	Features []Feature `yaml:"features"`
}

// New builds a catalog, defaulting reward kinds and rejecting duplicates.
func New(features []Feature) (*Catalog, error) {
	c := &Catalog{byID: make(map[string]Feature, len(features))}
	for _, f := range features {
		if f.ID == "" {
			return nil, fmt.Errorf("feature with empty id")
		}
		if _, dup := c.byID[f.ID]; dup {
			return nil, fmt.Errorf("duplicate feature %q", f.ID)
		}
		switch f.Reward {
		case "":
			f.Reward = RewardBinary
		case RewardBinary, RewardContinuous:
		default:
			return nil, fmt.Errorf("feature %q: unknown reward kind %q", f.ID, f.Reward)
		}
		c.byID[f.ID] = f
		c.order = append(c.order, f.ID)
	}
	sort.Strings(c.order)
	return c, nil
}

// Load reads a YAML feature catalog.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", path, err)
	}
	return New(f.Features)
}

// Get returns the feature or an UnknownFeatureError.
func (c *Catalog) Get(id string) (Feature, error) {
	f, ok := c.byID[id]
	if !ok {
		return Feature{}, &UnknownFeatureError{FeatureID: id}
	}
	return f, nil
}

// All returns every feature sorted by id.
func (c *Catalog) All() []Feature {
	out := make([]Feature, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.byID[id])
	}
	return out
}

// Resolve maps candidate ids to features, returning the unknown ids separately.
// An empty candidate list means the full catalog.
func (c *Catalog) Resolve(ids []string) ([]Feature, []string) {
	if len(ids) == 0 {
		return c.All(), nil
	}
	seen := make(map[string]bool, len(ids))
	var out []Feature
	var unknown []string
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		f, ok := c.byID[id]
		if !ok {
			unknown = append(unknown, id)
			continue
		}
		out = append(out, f)
	}
	return out, unknown
}

// Len returns the number of features.
func (c *Catalog) Len() int { return len(c.order) }

// #endregion catalog

// DefaultFeatures is the built-in catalog used when no file is configured.
func DefaultFeatures() []Feature {
	return []Feature{
		{ID: "allergy_banner", Label: "Allergy banner", Critical: true, DefaultPriority: 100},
		{ID: "medication_list", Label: "Medication list", Critical: true, DefaultPriority: 90},
		{ID: "vitals_trend", Label: "Vitals trend chart", DefaultPriority: 70},
		{ID: "lab_results", Label: "Recent labs", DefaultPriority: 65},
		{ID: "visit_history", Label: "Visit history", DefaultPriority: 50},
		{ID: "care_suggestions", Label: "Care suggestions", DefaultPriority: 40},
		{ID: "quick_orders", Label: "Quick orders", DefaultPriority: 30, Reward: RewardContinuous},
		{ID: "patient_messages", Label: "Patient messages", DefaultPriority: 20},
	}
}
