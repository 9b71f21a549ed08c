package agent

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rahul/stepwise/internal/observability"
	"go.uber.org/zap"
)

//go:embed prompts/system.md
var responseContract string

// PromptManager assembles the system prompt from the built-in response
// contract and the markdown files of an optional prompts directory.
type PromptManager struct {
	Directory string
	logger    *observability.Logger
}

func NewPromptManager(dir string, logger *observability.Logger) *PromptManager {
	if logger == nil {
		logger = observability.NewNop()
	}
	return &PromptManager{Directory: dir, logger: logger}
}

var promptOrder = map[string]int{
	"identity.md":  1,
	"directive.md": 2,
	"workspace.md": 3,
	"user.md":      4,
}

func (pm *PromptManager) SystemPrompt() (string, error) {
	contents := []string{strings.TrimSpace(responseContract)}
	if pm.Directory == "" {
		return contents[0], nil
	}

	files, err := os.ReadDir(pm.Directory)
	if errors.Is(err, fs.ErrNotExist) {
		return contents[0], nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read prompts directory: %w", err)
	}

	// Known files first in a fixed order, the rest alphabetically
	sort.Slice(files, func(i, j int) bool {
		oi, okI := promptOrder[files[i].Name()]
		oj, okJ := promptOrder[files[j].Name()]
		if okI && okJ {
			return oi < oj
		}
		if okI != okJ {
			return okI
		}
		return files[i].Name() < files[j].Name()
	})

	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".md") {
			continue
		}
		path := filepath.Join(pm.Directory, f.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			pm.logger.Warn("failed to read prompt file", zap.String("path", path), zap.Error(err))
			continue
		}
		if text := strings.TrimSpace(string(data)); text != "" {
			contents = append(contents, text)
		}
	}

	return strings.Join(contents, "\n\n---\n\n"), nil
}
