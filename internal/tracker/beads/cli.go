package beads

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/oculairmedia/huly-vibe-sync/internal/syncerr"
)

// cliSem bounds concurrent bd invocations process-wide.
var cliSem = semaphore.NewWeighted(4)

// cliTimeout is the per-invocation wall clock limit.
const cliTimeout = 30 * time.Second

// CLI executes bd commands against one repository.
type CLI struct {
	bin     string
	workDir string
}

// NewCLI creates a CLI executor. bin defaults to "bd".
func NewCLI(bin, workDir string) *CLI {
	if bin == "" {
		bin = "bd"
	}
	return &CLI{bin: bin, workDir: workDir}
}

// run executes bd with the given args under the process-wide semaphore.
// Mutations pass --no-auto-flush so the daemon owns JSONL export.
func (c *CLI) run(ctx context.Context, args ...string) ([]byte, error) {
	op := fmt.Sprintf("bd %s", strings.Join(args, " "))
	if err := cliSem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("failed to acquire CLI slot: %w", err)
	}
	defer cliSem.Release(1)

	runCtx, cancel := context.WithTimeout(ctx, cliTimeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, c.bin, args...)
	cmd.Dir = c.workDir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			return nil, syncerr.New(syncerr.Transient, op,
				fmt.Errorf("timed out after %s: %s", cliTimeout, strings.TrimSpace(stderr.String())))
		}
		msg := strings.TrimSpace(stderr.String())
		if strings.Contains(msg, "not found") {
			return nil, syncerr.New(syncerr.NotFound, op, fmt.Errorf("%s", msg))
		}
		if strings.Contains(msg, "already exists") {
			return nil, syncerr.New(syncerr.Conflict, op, fmt.Errorf("%s", msg))
		}
		return nil, syncerr.FromExec(op, fmt.Errorf("%w: %s", err, msg))
	}
	return stdout.Bytes(), nil
}

// Create creates an issue and returns its id.
func (c *CLI) Create(ctx context.Context, title, description, status string, priority int, labels []string) (string, error) {
	args := []string{"create",
		"--title", title,
		"--status", status,
		"--priority", strconv.Itoa(priority),
		"--json", "--no-auto-flush",
	}
	if description != "" {
		args = append(args, "--description", description)
	}
	for _, l := range labels {
		args = append(args, "--label", l)
	}
	out, err := c.run(ctx, args...)
	if err != nil {
		return "", err
	}
	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(out, &created); err != nil {
		return "", syncerr.New(syncerr.Validation, "bd create", fmt.Errorf("failed to parse output: %w", err))
	}
	if created.ID == "" {
		return "", syncerr.Newf(syncerr.Validation, "bd create returned no id")
	}
	return created.ID, nil
}

// Update patches an issue's fields. Nil fields (and a nil setLabels) mean
// "leave unchanged".
func (c *CLI) Update(ctx context.Context, id string, title, description, status *string, priority *int, setLabels []string) error {
	args := []string{"update", id, "--no-auto-flush"}
	if title != nil {
		args = append(args, "--title", *title)
	}
	if description != nil {
		args = append(args, "--description", *description)
	}
	if status != nil {
		args = append(args, "--status", *status)
	}
	if priority != nil {
		args = append(args, "--priority", strconv.Itoa(*priority))
	}
	if setLabels != nil {
		args = append(args, "--set-labels", strings.Join(setLabels, ","))
	}
	_, err := c.run(ctx, args...)
	return err
}

// Close closes an issue.
func (c *CLI) Close(ctx context.Context, id string) error {
	_, err := c.run(ctx, "close", id, "--no-auto-flush")
	return err
}

// Delete tombstones an issue. NotFound counts as success.
func (c *CLI) Delete(ctx context.Context, id string) error {
	_, err := c.run(ctx, "delete", id, "--force", "--no-auto-flush")
	if err != nil && !syncerr.Is(err, syncerr.NotFound) {
		return err
	}
	return nil
}

// AddParentDep records child->parent as a parent-child dependency.
func (c *CLI) AddParentDep(ctx context.Context, child, parent string) error {
	_, err := c.run(ctx, "dep", "add", child, parent, "--type=parent-child", "--no-auto-flush")
	if err != nil && !syncerr.Is(err, syncerr.Conflict) {
		return err
	}
	return nil
}

// DepTree is the parsed output of bd dep tree.
type DepTree struct {
	ID       string    `json:"id"`
	Children []DepTree `json:"children,omitempty"`
}

// Tree fetches the dependency tree rooted at id.
func (c *CLI) Tree(ctx context.Context, id string) (*DepTree, error) {
	out, err := c.run(ctx, "dep", "tree", id, "--json")
	if err != nil {
		return nil, err
	}
	var tree DepTree
	if err := json.Unmarshal(out, &tree); err != nil {
		return nil, syncerr.New(syncerr.Validation, "bd dep tree", fmt.Errorf("failed to parse output: %w", err))
	}
	return &tree, nil
}

// Version reports the installed bd version; used as the health check.
func (c *CLI) Version(ctx context.Context) (string, error) {
	out, err := c.run(ctx, "version")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
