package manifest

import (
	"fmt"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/wing32s/gogrepoc/internal/lifecycle"
	"github.com/wing32s/gogrepoc/internal/validate"
	"gopkg.in/yaml.v3"
)

// Entry is one file the catalog wants present under the target root.
// Size may be stale; the transfer engine corrects it against the host.
type Entry struct {
	Name               string    `json:"name" yaml:"name"`
	URL                string    `json:"url" yaml:"url" validate:"required,url"`
	Size               int64     `json:"size" yaml:"size" validate:"min=0"`
	MD5                string    `json:"md5,omitempty" yaml:"md5,omitempty" validate:"omitempty,md5"`
	ForceChange        bool      `json:"forceChange,omitempty" yaml:"forceChange,omitempty"`
	PreviouslyVerified bool      `json:"previouslyVerified,omitempty" yaml:"previouslyVerified,omitempty"`
	Updated            time.Time `json:"updated" yaml:"-"`
}

type importFile struct {
	Files []*Entry `yaml:"files"`
}

// ReadFile loads entries from a YAML document of the form
//
//	files:
//	  - name: game/setup.exe
//	    url: https://cdn.example.com/game/setup.exe
//	    size: 1000
func ReadFile(filePath string) ([]*Entry, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("error reading manifest file: %v", err)
	}
	var doc importFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("error parsing manifest file: %v", err)
	}
	seen := make(map[string]bool, len(doc.Files))
	for i, entry := range doc.Files {
		if entry == nil {
			return nil, fmt.Errorf("empty entry %d", i+1)
		}
		if entry.URL == "" {
			return nil, fmt.Errorf("missing url for entry %d", i+1)
		}
		if entry.Name == "" {
			u, err := url.Parse(entry.URL)
			if err != nil {
				return nil, fmt.Errorf("entry %d: %v", i+1, err)
			}
			entry.Name = path.Base(u.Path)
		}
		if err := lifecycle.ValidateName(entry.Name); err != nil {
			return nil, fmt.Errorf("entry %d: %v", i+1, err)
		}
		entry.MD5 = strings.ToLower(entry.MD5)
		if err := validate.Struct(entry); err != nil {
			return nil, fmt.Errorf("entry %d: %v", i+1, err)
		}
		if seen[entry.Name] {
			return nil, fmt.Errorf("entry %d: duplicate name %s", i+1, entry.Name)
		}
		seen[entry.Name] = true
	}
	log.Debug().Str("op", "manifest/read").Int("count", len(doc.Files)).Msg("entries loaded from YAML")
	return doc.Files, nil
}

// Expected indexes entries by name for provisional recovery.
func Expected(entries []*Entry) map[string]lifecycle.Expected {
	out := make(map[string]lifecycle.Expected, len(entries))
	for _, e := range entries {
		out[e.Name] = lifecycle.Expected{Size: e.Size, MD5: e.MD5}
	}
	return out
}

func Names(entries []*Entry) []string {
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name)
	}
	return names
}
