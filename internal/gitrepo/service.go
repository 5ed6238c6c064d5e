// Package gitrepo keeps one git repository per document. Every explicit
// save that changes the text becomes a commit on main.
package gitrepo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

const contentFile = "content.txt"

// CommitInfo describes one saved version. Added and Removed count lines.
type CommitInfo struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
	Added     int       `json:"added"`
	Removed   int       `json:"removed"`
}

// Service implements collab.DocumentStore on top of per-document
// repositories under baseDir.
type Service struct {
	baseDir string
	author  string
	now     func() time.Time

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		author:  "cowrite",
		now:     time.Now,
		locks:   make(map[string]*sync.Mutex),
	}
}

// Load returns the text at HEAD. A document without a repository or
// without commits loads as "".
func (s *Service) Load(ctx context.Context, documentID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(documentID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("open repo: %w", err)
	}
	head, err := headCommit(repo)
	if err != nil || head == nil {
		return "", err
	}
	return readContent(head)
}

func (s *Service) Save(ctx context.Context, documentID, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, _, err := s.Commit(documentID, text, s.author, "Save document")
	return err
}

// Commit records text as the new head of documentID. It reports false and
// the current head when text is unchanged.
func (s *Service) Commit(documentID, text, author, message string) (CommitInfo, bool, error) {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.openOrInit(documentID)
	if err != nil {
		return CommitInfo{}, false, err
	}
	head, err := headCommit(repo)
	if err != nil {
		return CommitInfo{}, false, err
	}
	if head != nil {
		current, err := readContent(head)
		if err != nil {
			return CommitInfo{}, false, err
		}
		if current == text {
			return toCommitInfo(head), false, nil
		}
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return CommitInfo{}, false, fmt.Errorf("open worktree: %w", err)
	}
	if err := os.WriteFile(filepath.Join(worktree.Filesystem.Root(), contentFile), []byte(text), 0o644); err != nil {
		return CommitInfo{}, false, fmt.Errorf("write %s: %w", contentFile, err)
	}
	if _, err := worktree.Add(contentFile); err != nil {
		return CommitInfo{}, false, fmt.Errorf("git add content: %w", err)
	}
	hash, err := worktree.Commit(message, &git.CommitOptions{
		AllowEmptyCommits: head == nil,
		Author: &object.Signature{
			Name:  author,
			Email: fmt.Sprintf("%s@local.cowrite.dev", sanitizeEmail(author)),
			When:  s.now(),
		},
	})
	if err != nil {
		return CommitInfo{}, false, fmt.Errorf("commit content: %w", err)
	}
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return CommitInfo{}, false, fmt.Errorf("read commit object: %w", err)
	}
	return toCommitInfo(commitObj), true, nil
}

// History lists saves newest first. A document that was never saved has
// no history.
func (s *Service) History(documentID string, limit int) ([]CommitInfo, error) {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(documentID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return []CommitInfo{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	head, err := headCommit(repo)
	if err != nil {
		return nil, err
	}
	items := make([]CommitInfo, 0)
	if head == nil {
		return items, nil
	}

	iter, err := repo.Log(&git.LogOptions{From: head.Hash})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toCommitInfo(commitObj))
		if limit > 0 && len(items) >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// ContentAt returns the text saved by the commit hash, full or abbreviated.
func (s *Service) ContentAt(documentID, hash string) (string, error) {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(documentID))
	if err != nil {
		return "", fmt.Errorf("open repo: %w", err)
	}
	resolvedHash, err := resolveHash(repo, hash)
	if err != nil {
		return "", err
	}
	commitObj, err := repo.CommitObject(resolvedHash)
	if err != nil {
		return "", fmt.Errorf("read commit %s: %w", hash, err)
	}
	return readContent(commitObj)
}

func (s *Service) repoPath(documentID string) string {
	return filepath.Join(s.baseDir, documentID)
}

func (s *Service) documentLock(documentID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[documentID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[documentID] = lock
	return lock
}

func (s *Service) openOrInit(documentID string) (*git.Repository, error) {
	path := s.repoPath(documentID)
	repo, err := git.PlainOpen(path)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err = git.PlainInitWithOptions(path, &git.PlainInitOptions{
		InitOptions: git.InitOptions{DefaultBranch: plumbing.Main},
	})
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	return repo, nil
}

// headCommit returns nil for a repository without commits.
func headCommit(repo *git.Repository) (*object.Commit, error) {
	ref, err := repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve head: %w", err)
	}
	commitObj, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, fmt.Errorf("load commit object: %w", err)
	}
	return commitObj, nil
}

func readContent(commitObj *object.Commit) (string, error) {
	file, err := commitObj.File(contentFile)
	if errors.Is(err, object.ErrFileNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load %s from commit: %w", contentFile, err)
	}
	text, err := file.Contents()
	if err != nil {
		return "", fmt.Errorf("read content: %w", err)
	}
	return text, nil
}

func toCommitInfo(commitObj *object.Commit) CommitInfo {
	info := CommitInfo{
		Hash:      commitObj.Hash.String()[:7],
		Message:   commitObj.Message,
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
	stats, err := commitObj.Stats()
	if err != nil {
		return info
	}
	for _, file := range stats {
		info.Added += file.Addition
		info.Removed += file.Deletion
	}
	return info
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "user"
	}
	return string(out)
}

func resolveHash(repo *git.Repository, hash string) (plumbing.Hash, error) {
	if len(hash) == 40 {
		return plumbing.NewHash(hash), nil
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("resolve hash %s: %w", hash, err)
	}
	return *resolved, nil
}
