// Package dolt provides a narrow capability view of the version-control
// engine (spec §4/§6): branch/commit/diff/merge/remote push-pull and
// AS-OF queries. It is adapted from the teacher's internal/git package,
// which drives `git` the same way via os/exec — here the subprocess is
// `dolt`, and the SQL surface (collections/documents tables, AS-OF
// queries) replaces git's worktree/sparse-checkout machinery.
package dolt

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/untoldecay/dmms-sync-core/internal/coreerr"
)

// Row is one row of a SQL query result, column name to raw string value
// (Dolt's `--result-format csv` / json output is normalized to this by
// the caller that parses command output).
type Row map[string]string

// Gateway is the capability surface the sync core consumes. Production
// code talks to a real `dolt` binary via CommandGateway; tests can swap
// in a fake.
type Gateway interface {
	Init(ctx context.Context) error
	CurrentBranch(ctx context.Context) (string, error)
	CurrentCommit(ctx context.Context) (string, error)
	Checkout(ctx context.Context, branch string, create bool) error
	Branches(ctx context.Context) ([]string, error)
	DeleteBranch(ctx context.Context, branch string) error
	Add(ctx context.Context, tables ...string) error
	Commit(ctx context.Context, message string) (string, error)
	Status(ctx context.Context) (clean bool, dirtyTables []string, err error)
	Log(ctx context.Context, branch string, limit int) ([]string, error)
	Diff(ctx context.Context, fromRef, toRef, table string) (string, error)
	MergeBase(ctx context.Context, left, right string) (string, error)
	Merge(ctx context.Context, branch string) (conflicted bool, output string, err error)
	Push(ctx context.Context, remote, branch string) error
	Pull(ctx context.Context, remote, branch string) error
	Fetch(ctx context.Context, remote string) error

	// Query runs arbitrary SQL (including `AS OF` forms) and returns rows.
	Query(ctx context.Context, sql string) ([]Row, error)
	// Exec runs a mutating SQL statement (INSERT/UPDATE/DELETE/CREATE TABLE).
	Exec(ctx context.Context, sql string) error
}

// Config configures the CommandGateway (spec §6 DOLT_* env vars).
type Config struct {
	RepositoryPath string
	ExecutablePath string
	RemoteName     string
	CommandTimeout time.Duration
	MaxRetries     int
	RetryDelay     time.Duration
}

// CommandGateway drives a real `dolt` binary via os/exec. Calls against
// the same collection must be serialized (spec §5); since Dolt has no
// notion of "collection", the gateway instead serializes ALL calls,
// reads (Query) included, through a weighted semaphore of size 1.
type CommandGateway struct {
	cfg   Config
	sem   *semaphore.Weighted
}

func NewCommandGateway(cfg Config) *CommandGateway {
	if cfg.ExecutablePath == "" {
		cfg.ExecutablePath = "dolt"
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 30 * time.Second
	}
	return &CommandGateway{cfg: cfg, sem: semaphore.NewWeighted(1)}
}

// transientExitCodes are `dolt` exit codes treated as retryable
// (connection hiccups, lock contention) per spec §7 "Retries".
var transientExitCodes = map[int]bool{
	1: false, // generic failure: do not blindly retry
	2: true,  // lock / busy
}

func (g *CommandGateway) run(ctx context.Context, args ...string) (string, error) {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return "", coreerr.Wrap(coreerr.KindExternalCommandFailed, "acquire dolt serialization permit", err)
	}
	defer g.sem.Release(1)

	return g.runWithRetry(ctx, args...)
}

func (g *CommandGateway) runWithRetry(ctx context.Context, args ...string) (string, error) {
	var lastErr error
	attempts := g.cfg.MaxRetries
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 0; attempt < attempts; attempt++ {
		out, err := g.runOnce(ctx, args...)
		if err == nil {
			return out, nil
		}
		lastErr = err

		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && !transientExitCodes[exitErr.ExitCode()] {
			break // non-transient: don't retry destructive or permanent failures
		}
		if !errors.As(err, &exitErr) {
			break // not a process exit error (e.g. timeout): don't retry
		}
		if attempt < attempts-1 {
			select {
			case <-ctx.Done():
				return "", coreerr.Wrap(coreerr.KindExternalCommandTimeout, "dolt command cancelled during retry", ctx.Err())
			case <-time.After(g.cfg.RetryDelay):
			}
		}
	}
	return "", lastErr
}

func (g *CommandGateway) runOnce(ctx context.Context, args ...string) (string, error) {
	timeout := g.cfg.CommandTimeout
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// #nosec G204 -- args are built from fixed verbs and validated refs/SQL text
	cmd := exec.CommandContext(cctx, g.cfg.ExecutablePath, args...)
	cmd.Dir = g.cfg.RepositoryPath

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if cctx.Err() != nil {
		return "", coreerr.Wrap(coreerr.KindExternalCommandTimeout, fmt.Sprintf("dolt %s timed out", strings.Join(args, " ")), cctx.Err())
	}
	if err != nil {
		return "", coreerr.Wrap(coreerr.KindExternalCommandFailed,
			fmt.Sprintf("dolt %s failed: %s", strings.Join(args, " "), strings.TrimSpace(stderr.String())), err)
	}
	return stdout.String(), nil
}

func (g *CommandGateway) Init(ctx context.Context) error {
	_, err := g.run(ctx, "init")
	return err
}

func (g *CommandGateway) CurrentBranch(ctx context.Context) (string, error) {
	out, err := g.run(ctx, "branch", "--show-current")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func (g *CommandGateway) CurrentCommit(ctx context.Context) (string, error) {
	rows, err := g.Query(ctx, "SELECT commit_hash FROM dolt_log LIMIT 1")
	if err != nil {
		return "", err
	}
	if len(rows) == 0 {
		return "", coreerr.New(coreerr.KindNotFound, "no commits on current branch")
	}
	return rows[0]["commit_hash"], nil
}

func (g *CommandGateway) Checkout(ctx context.Context, branch string, create bool) error {
	args := []string{"checkout"}
	if create {
		args = append(args, "-b")
	}
	args = append(args, branch)
	_, err := g.run(ctx, args...)
	return err
}

func (g *CommandGateway) Branches(ctx context.Context) ([]string, error) {
	rows, err := g.Query(ctx, "SELECT name FROM dolt_branches")
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(rows))
	for _, r := range rows {
		names = append(names, r["name"])
	}
	return names, nil
}

func (g *CommandGateway) DeleteBranch(ctx context.Context, branch string) error {
	_, err := g.run(ctx, "branch", "-d", branch)
	return err
}

func (g *CommandGateway) Add(ctx context.Context, tables ...string) error {
	args := append([]string{"add"}, tables...)
	_, err := g.run(ctx, args...)
	return err
}

func (g *CommandGateway) Commit(ctx context.Context, message string) (string, error) {
	if _, err := g.run(ctx, "commit", "-m", message); err != nil {
		return "", err
	}
	return g.CurrentCommit(ctx)
}

func (g *CommandGateway) Status(ctx context.Context) (bool, []string, error) {
	rows, err := g.Query(ctx, "SELECT table_name FROM dolt_status WHERE staged = false OR staged = true")
	if err != nil {
		return false, nil, err
	}
	if len(rows) == 0 {
		return true, nil, nil
	}
	tables := make([]string, 0, len(rows))
	for _, r := range rows {
		tables = append(tables, r["table_name"])
	}
	return false, tables, nil
}

func (g *CommandGateway) Log(ctx context.Context, branch string, limit int) ([]string, error) {
	q := fmt.Sprintf("SELECT commit_hash FROM dolt_log('%s') LIMIT %d", branch, limit)
	rows, err := g.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, r["commit_hash"])
	}
	return out, nil
}

func (g *CommandGateway) Diff(ctx context.Context, fromRef, toRef, table string) (string, error) {
	out, err := g.run(ctx, "diff", fromRef, toRef, table)
	if err != nil {
		return "", err
	}
	return out, nil
}

func (g *CommandGateway) MergeBase(ctx context.Context, left, right string) (string, error) {
	rows, err := g.Query(ctx, fmt.Sprintf("SELECT dolt_merge_base('%s', '%s') AS base", left, right))
	if err != nil {
		return "", err
	}
	if len(rows) == 0 {
		return "", coreerr.New(coreerr.KindNotFound, "no common ancestor")
	}
	return rows[0]["base"], nil
}

func (g *CommandGateway) Merge(ctx context.Context, branch string) (bool, string, error) {
	out, err := g.run(ctx, "merge", branch)
	if err != nil {
		// Dolt exits non-zero on conflicts; report that through the
		// conflicted return value (with a nil error) so it stays distinct
		// from a genuine execution failure.
		if strings.Contains(strings.ToLower(err.Error()), "conflict") {
			return true, err.Error(), nil
		}
		return false, "", err
	}
	return false, out, nil
}

func (g *CommandGateway) Push(ctx context.Context, remote, branch string) error {
	_, err := g.run(ctx, "push", remote, branch)
	return err
}

func (g *CommandGateway) Pull(ctx context.Context, remote, branch string) error {
	_, err := g.run(ctx, "pull", remote, branch)
	return err
}

func (g *CommandGateway) Fetch(ctx context.Context, remote string) error {
	_, err := g.run(ctx, "fetch", remote)
	return err
}

func (g *CommandGateway) Query(ctx context.Context, sql string) ([]Row, error) {
	out, err := g.run(ctx, "sql", "-q", sql, "-r", "csv")
	if err != nil {
		return nil, err
	}
	return parseCSV(out), nil
}

func (g *CommandGateway) Exec(ctx context.Context, sql string) error {
	_, err := g.run(ctx, "sql", "-q", sql)
	return err
}

// parseCSV turns `dolt sql -r csv` output into rows keyed by header. It
// does not attempt to handle embedded commas/quotes beyond the simple
// case Dolt itself produces for our table shapes (JSON values are
// always quoted by the CLI, with doubled internal quotes).
func parseCSV(out string) []Row {
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if len(lines) < 2 {
		return nil
	}
	headers := splitCSVLine(lines[0])
	rows := make([]Row, 0, len(lines)-1)
	for _, line := range lines[1:] {
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := splitCSVLine(line)
		row := make(Row, len(headers))
		for i, h := range headers {
			if i < len(fields) {
				row[h] = fields[i]
			}
		}
		rows = append(rows, row)
	}
	return rows
}

func splitCSVLine(line string) []string {
	var fields []string
	var cur strings.Builder
	inQuotes := false
	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case c == '"':
			if inQuotes && i+1 < len(line) && line[i+1] == '"' {
				cur.WriteByte('"')
				i++
			} else {
				inQuotes = !inQuotes
			}
		case c == ',' && !inQuotes:
			fields = append(fields, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	fields = append(fields, cur.String())
	return fields
}
