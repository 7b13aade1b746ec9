// Package gitexec wraps the git binary for repository operations performed
// by the job engine: clone, branch management, patch application, commits,
// pushes, and checkpoint tags. Every call shells out with a context so
// callers control timeouts.
package gitexec

import (
	"context"
	"fmt"
	"net/url"
	"os/exec"
	"strings"
	"time"
)

// Identity is the committer identity stamped on engine commits and tags.
type Identity struct {
	Name  string
	Email string
}

// Runner executes git commands inside a fixed working tree.
type Runner struct {
	dir           string
	identity      Identity
	remoteTimeout time.Duration
}

// NewRunner returns a Runner bound to dir. remoteTimeout bounds operations
// that touch the network (clone, fetch, push, ls-remote).
func NewRunner(dir string, identity Identity, remoteTimeout time.Duration) *Runner {
	if remoteTimeout <= 0 {
		remoteTimeout = 2 * time.Minute
	}
	return &Runner{dir: dir, identity: identity, remoteTimeout: remoteTimeout}
}

// Dir returns the working tree the runner operates on.
func (r *Runner) Dir() string {
	return r.dir
}

// run executes git with args in the runner's directory and returns combined
// stdout+stderr. Errors carry the output so callers can surface tool text.
func (r *Runner) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = r.dir

	output, err := cmd.CombinedOutput()
	if err != nil {
		return string(output), fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(string(output)))
	}
	return string(output), nil
}

// identityArgs returns the -c flags that pin author/committer identity on
// commands that create objects. Git refuses to commit without an identity.
func (r *Runner) identityArgs() []string {
	name := r.identity.Name
	email := r.identity.Email
	if name == "" {
		name = "vibed"
	}
	if email == "" {
		email = "vibed@localhost"
	}
	return []string{"-c", "user.name=" + name, "-c", "user.email=" + email}
}

// IsRepo reports whether the working tree is a git repository.
func (r *Runner) IsRepo() bool {
	cmd := exec.Command("git", "rev-parse", "--git-dir")
	cmd.Dir = r.dir
	return cmd.Run() == nil
}

// Init creates a new repository in the working tree with an initial empty
// commit so HEAD exists, on the given branch. Used for local-only project
// caches that have no remote to clone from.
func (r *Runner) Init(ctx context.Context, branch string) error {
	if branch == "" {
		branch = "main"
	}
	if _, err := r.run(ctx, "init", "-b", branch); err != nil {
		return err
	}
	args := append(r.identityArgs(), "commit", "--allow-empty", "-m", "Initialize project")
	if _, err := r.run(ctx, args...); err != nil {
		return err
	}
	return nil
}

// Clone clones remoteURL into the runner's directory. An empty token clones
// anonymously; otherwise the token is injected into the fetch URL for the
// duration of the clone only and never written to git config.
func (r *Runner) Clone(ctx context.Context, remoteURL, token string) error {
	if err := ValidateRemoteURL(remoteURL); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, r.remoteTimeout)
	defer cancel()

	cloneURL := AuthenticatedURL(remoteURL, token)
	cmd := exec.CommandContext(ctx, "git", "clone", cloneURL, r.dir)
	output, err := cmd.CombinedOutput()
	if err != nil {
		// Scrub the token from tool output before wrapping.
		text := strings.ReplaceAll(string(output), cloneURL, remoteURL)
		return fmt.Errorf("git clone: %w: %s", err, strings.TrimSpace(text))
	}
	// Leave origin pointing at the clean URL.
	if token != "" {
		if _, err := r.run(ctx, "remote", "set-url", "origin", remoteURL); err != nil {
			return err
		}
	}
	return nil
}

// Fetch updates remote tracking refs from origin. Best-effort callers may
// ignore the error for offline caches.
func (r *Runner) Fetch(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.remoteTimeout)
	defer cancel()
	_, err := r.run(ctx, "fetch", "--prune", "origin")
	return err
}

// CurrentBranch returns the checked-out branch name.
func (r *Runner) CurrentBranch(ctx context.Context) (string, error) {
	out, err := r.run(ctx, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// BranchExists reports whether a local branch exists.
func (r *Runner) BranchExists(ctx context.Context, name string) bool {
	_, err := r.run(ctx, "show-ref", "--verify", "--quiet", "refs/heads/"+name)
	return err == nil
}

// Checkout switches to an existing branch.
func (r *Runner) Checkout(ctx context.Context, branch string) error {
	_, err := r.run(ctx, "checkout", branch)
	return err
}

// CheckoutNew creates branch from base and switches to it. An empty base
// branches from HEAD.
func (r *Runner) CheckoutNew(ctx context.Context, branch, base string) error {
	args := []string{"checkout", "-b", branch}
	if base != "" {
		args = append(args, base)
	}
	_, err := r.run(ctx, args...)
	return err
}

// ResetClean discards all tracked modifications and untracked files,
// returning the tree to HEAD. Called at the top of every engine iteration.
func (r *Runner) ResetClean(ctx context.Context) error {
	if _, err := r.run(ctx, "reset", "--hard", "HEAD"); err != nil {
		return err
	}
	_, err := r.run(ctx, "clean", "-fd")
	return err
}

// ApplyCheck dry-runs a patch file against the working tree. On failure the
// returned error message is git's own stderr, suitable for feeding back to
// the LLM verbatim.
func (r *Runner) ApplyCheck(ctx context.Context, patchPath string) error {
	_, err := r.run(ctx, "apply", "--check", patchPath)
	return err
}

// Apply applies a patch file to the working tree with verbose output.
func (r *Runner) Apply(ctx context.Context, patchPath string) (string, error) {
	return r.run(ctx, "apply", "--verbose", patchPath)
}

// CommitAll stages every change (including untracked files) and commits.
// Returns the short hash of the new commit.
func (r *Runner) CommitAll(ctx context.Context, message string) (string, error) {
	if _, err := r.run(ctx, "add", "-A"); err != nil {
		return "", err
	}
	args := append(r.identityArgs(), "commit", "-m", message)
	if _, err := r.run(ctx, args...); err != nil {
		return "", err
	}
	out, err := r.run(ctx, "rev-parse", "--short", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// ChangedFiles lists paths changed between two revisions (from..to).
func (r *Runner) ChangedFiles(ctx context.Context, from, to string) ([]string, error) {
	out, err := r.run(ctx, "diff", "--name-only", from, to)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line != "" {
			files = append(files, line)
		}
	}
	return files, nil
}

// HasCommitBefore reports whether HEAD has at least one parent, i.e. whether
// rev~1 resolves. QA diff discovery needs a parent to compare against.
func (r *Runner) HasCommitBefore(ctx context.Context) bool {
	_, err := r.run(ctx, "rev-parse", "--verify", "--quiet", "HEAD~1")
	return err == nil
}

// PushBranch force-pushes branch to remoteURL. The token, when present, is
// injected into the push URL only and scrubbed from any error output.
func (r *Runner) PushBranch(ctx context.Context, remoteURL, branch, token string) error {
	if err := ValidateRemoteURL(remoteURL); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, r.remoteTimeout)
	defer cancel()

	pushURL := AuthenticatedURL(remoteURL, token)
	out, err := r.run(ctx, "push", "--force", pushURL, branch)
	if err != nil {
		return fmt.Errorf("git push: %s", strings.ReplaceAll(err.Error(), pushURL, remoteURL))
	}
	_ = out
	return nil
}

// Tag places (or moves) a lightweight tag on the current HEAD.
func (r *Runner) Tag(ctx context.Context, name string) error {
	args := append(r.identityArgs(), "tag", "-f", name)
	_, err := r.run(ctx, args...)
	return err
}

// RemoteURL returns the fetch URL of the named remote, or "" when the remote
// is not configured.
func (r *Runner) RemoteURL(ctx context.Context, name string) string {
	out, err := r.run(ctx, "remote", "get-url", name)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(out)
}

// allowedProtocols defines the remote URL protocols permitted for clone and
// push targets.
var allowedProtocols = map[string]bool{
	"https": true,
	"git":   true,
	"ssh":   true,
}

// ValidateRemoteURL rejects remote URLs with disallowed protocols. SSH
// shorthand (git@host:owner/repo) is permitted.
func ValidateRemoteURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("remote URL is required")
	}
	if strings.HasPrefix(rawURL, "git@") {
		return nil
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid remote URL: %w", err)
	}
	scheme := strings.ToLower(parsed.Scheme)
	if !allowedProtocols[scheme] {
		return fmt.Errorf("protocol %q not allowed; must be https, git, or ssh", scheme)
	}
	return nil
}

// AuthenticatedURL injects token-based credentials into an https remote URL.
// Non-https URLs and empty tokens pass through unchanged.
func AuthenticatedURL(remoteURL, token string) string {
	if token == "" || !strings.HasPrefix(remoteURL, "https://") {
		return remoteURL
	}
	return "https://x-access-token:" + token + "@" + strings.TrimPrefix(remoteURL, "https://")
}
