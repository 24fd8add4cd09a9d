package acquisition

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/nais/pipelined/pkg/pipelined/metrics"
	log "github.com/sirupsen/logrus"
)

const (
	tokenUser   = "x-access-token"
	redactedStr = "***"

	StepToken    = "token"
	StepClone    = "clone"
	StepCheckout = "checkout"
)

// TokenSource exchanges a GitHub App installation id for a short-lived access token.
type TokenSource interface {
	InstallationToken(ctx context.Context, installationID int64) (string, error)
}

// Runner executes a command in dir and returns its combined output.
type Runner func(ctx context.Context, dir string, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, dir string, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	// Prevent git from prompting for credentials interactively.
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	return cmd.CombinedOutput()
}

type Request struct {
	RepositoryURL  string
	Branch         string
	CommitSHA      string
	InstallationID int64
	TargetDir      string
}

func (r Request) LogFields() log.Fields {
	return log.Fields{
		"repository": r.RepositoryURL,
		"branch":     r.Branch,
		"commit_sha": r.CommitSHA,
	}
}

// Error carries the output of a failed acquisition step, with any access token redacted.
type Error struct {
	Step    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s failed: %s", e.Step, e.Message)
}

type Acquirer struct {
	root   string
	tokens TokenSource
	run    Runner
}

type Option func(*Acquirer)

func WithRunner(run Runner) Option {
	return func(a *Acquirer) {
		a.run = run
	}
}

// New returns an acquirer that keeps one scratch directory per deployment below root.
// tokens may be nil, in which case only repositories not requiring credentials can be acquired.
func New(root string, tokens TokenSource, opts ...Option) *Acquirer {
	a := &Acquirer{
		root:   filepath.Clean(root),
		tokens: tokens,
		run:    execRunner,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Workspace returns the scratch directory reserved for a deployment.
func (a *Acquirer) Workspace(deploymentID string) string {
	return filepath.Join(a.root, filepath.Base(deploymentID))
}

// Acquire performs a shallow clone of the requested branch into TargetDir and checks out
// CommitSHA if it differs from the branch tip. The access token only exists in the
// arguments of the git subprocess; the remote is reset to the plain URL after cloning.
func (a *Acquirer) Acquire(ctx context.Context, req Request) (dir string, err error) {
	started := time.Now()
	defer func() {
		metrics.Step("acquire", started, err)
	}()

	dir = req.TargetDir
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", &Error{Step: StepClone, Message: err.Error()}
	}

	token := ""
	if req.InstallationID != 0 {
		if a.tokens == nil {
			return "", &Error{Step: StepToken, Message: "installation id given, but no GitHub App is configured"}
		}
		token, err = a.tokens.InstallationToken(ctx, req.InstallationID)
		if err != nil {
			return "", &Error{Step: StepToken, Message: err.Error()}
		}
	}

	remote, err := authenticatedURL(req.RepositoryURL, token)
	if err != nil {
		return "", &Error{Step: StepClone, Message: err.Error()}
	}

	args := []string{"clone", "--depth", "1", "--single-branch"}
	if len(req.Branch) > 0 {
		args = append(args, "--branch", req.Branch)
	}
	args = append(args, "--", remote, ".")

	if err := a.git(ctx, dir, token, StepClone, args...); err != nil {
		return "", err
	}

	if len(token) > 0 {
		if err := a.git(ctx, dir, token, StepClone, "remote", "set-url", "origin", req.RepositoryURL); err != nil {
			return "", err
		}
	}

	if len(req.CommitSHA) == 0 {
		return dir, nil
	}

	head, err := a.run(ctx, dir, "git", "rev-parse", "HEAD")
	if err != nil {
		return "", &Error{Step: StepCheckout, Message: redact(string(head), token)}
	}
	if sameCommit(strings.TrimSpace(string(head)), req.CommitSHA) {
		return dir, nil
	}

	log.WithFields(req.LogFields()).Debugf("Branch tip is %s, fetching pinned commit", strings.TrimSpace(string(head)))

	if err := a.git(ctx, dir, token, StepCheckout, "fetch", "--depth", "1", remote, req.CommitSHA); err != nil {
		return "", err
	}
	if err := a.git(ctx, dir, token, StepCheckout, "checkout", "--detach", "FETCH_HEAD"); err != nil {
		return "", err
	}
	_ = os.Remove(filepath.Join(dir, ".git", "FETCH_HEAD"))

	return dir, nil
}

func (a *Acquirer) git(ctx context.Context, dir, token, step string, args ...string) error {
	output, err := a.run(ctx, dir, "git", args...)
	if err == nil {
		return nil
	}
	message := strings.TrimSpace(string(output))
	if len(message) == 0 {
		message = err.Error()
	}
	if ctx.Err() != nil {
		message = fmt.Sprintf("%s: %s", ctx.Err(), message)
	}
	return &Error{Step: step, Message: redact(message, token)}
}

// Release removes a scratch directory. Errors are logged, never returned.
func (a *Acquirer) Release(dir string) {
	if len(dir) == 0 {
		return
	}
	logger := log.WithField("directory", dir)

	rel, err := filepath.Rel(a.root, filepath.Clean(dir))
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		logger.Errorf("Refusing to remove directory outside of scratch root %s", a.root)
		return
	}

	if err := os.RemoveAll(dir); err != nil {
		logger.Errorf("Remove scratch directory: %s", err)
		return
	}
	logger.Debugf("Scratch directory removed")
}

func authenticatedURL(repositoryURL, token string) (string, error) {
	if len(token) == 0 {
		return repositoryURL, nil
	}
	u, err := url.Parse(repositoryURL)
	if err != nil {
		return "", fmt.Errorf("invalid repository URL")
	}
	if u.Scheme != "https" {
		return "", fmt.Errorf("credentials can only be used with https repository URLs, got scheme '%s'", u.Scheme)
	}
	u.User = url.UserPassword(tokenUser, token)
	return u.String(), nil
}

func redact(message, token string) string {
	if len(token) == 0 {
		return message
	}
	message = strings.ReplaceAll(message, token, redactedStr)
	return strings.ReplaceAll(message, url.QueryEscape(token), redactedStr)
}

func sameCommit(head, sha string) bool {
	if len(sha) < 7 {
		return head == sha
	}
	return strings.HasPrefix(head, strings.ToLower(sha))
}
