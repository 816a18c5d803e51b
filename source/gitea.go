package source

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"code.gitea.io/sdk/gitea"

	"weave.evalgo.org/entity"
)

const giteaPageSize = 50

// GiteaRepository is a repository record from a Gitea instance.
type GiteaRepository struct {
	Base entity.Core

	Name          string
	FullName      string
	Description   string
	DefaultBranch string
	OwnerLogin    string
	Stars         int64
	Private       bool
}

func (e *GiteaRepository) Core() *entity.Core { return &e.Base }
func (e *GiteaRepository) TypeName() string   { return "gitea_repository" }

func (e *GiteaRepository) Payload() map[string]interface{} {
	return map[string]interface{}{
		"name":           e.Name,
		"full_name":      e.FullName,
		"description":    e.Description,
		"default_branch": e.DefaultBranch,
		"owner_login":    e.OwnerLogin,
		"stars":          e.Stars,
		"private":        e.Private,
	}
}

func (e *GiteaRepository) Field(name string) (interface{}, bool) {
	switch name {
	case "name":
		return e.Name, true
	case "full_name":
		return e.FullName, true
	case "description":
		return e.Description, true
	case "default_branch":
		return e.DefaultBranch, true
	case "owner_login":
		return e.OwnerLogin, true
	case "stars":
		return e.Stars, true
	case "private":
		return e.Private, true
	case "content":
		return e.Description, true
	case "title":
		return e.FullName, true
	}
	return e.Base.Field(name)
}

// GiteaIssue is an issue record from a Gitea repository.
type GiteaIssue struct {
	Base entity.Core

	RepoFullName string
	Number       int64
	Title        string
	Body         string
	State        string
	Author       string
	Labels       []string
}

func (e *GiteaIssue) Core() *entity.Core { return &e.Base }
func (e *GiteaIssue) TypeName() string   { return "gitea_issue" }

func (e *GiteaIssue) Payload() map[string]interface{} {
	return map[string]interface{}{
		"repo_full_name": e.RepoFullName,
		"number":         e.Number,
		"title":          e.Title,
		"body":           e.Body,
		"state":          e.State,
		"author":         e.Author,
		"labels":         e.Labels,
	}
}

func (e *GiteaIssue) Field(name string) (interface{}, bool) {
	switch name {
	case "repo_full_name":
		return e.RepoFullName, true
	case "number":
		return e.Number, true
	case "title":
		return e.Title, true
	case "body", "content":
		return e.Body, true
	case "state":
		return e.State, true
	case "author":
		return e.Author, true
	case "labels":
		return e.Labels, true
	}
	return e.Base.Field(name)
}

// GiteaSource syncs repositories, their issues, and their README files
// from a Gitea instance. Archived repositories surface as deletion
// entities with status archived.
//
// Settings: "owner" restricts the walk to one organization's
// repositories; without it the token's accessible repositories are used.
type GiteaSource struct {
	client *gitea.Client
	owner  string
}

// NewGiteaSource builds the connector against cfg.BaseURL.
func NewGiteaSource(ctx context.Context, cfg *Config) (Source, error) {
	token, err := requireToken(ctx, cfg, "gitea")
	if err != nil {
		return nil, err
	}

	opts := []gitea.ClientOption{
		gitea.SetToken(token),
		gitea.SetContext(ctx),
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, gitea.SetHTTPClient(cfg.HTTPClient))
	}

	client, err := gitea.NewClient(cfg.BaseURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gitea client: %w", err)
	}

	return &GiteaSource{
		client: client,
		owner:  cfg.StringSetting("owner", ""),
	}, nil
}

func (s *GiteaSource) ShortName() string { return "gitea" }

// Validate checks connectivity by asking for the server version.
func (s *GiteaSource) Validate(ctx context.Context) error {
	if _, _, err := s.client.ServerVersion(); err != nil {
		return fmt.Errorf("gitea validation failed: %w", err)
	}
	return nil
}

func (s *GiteaSource) GenerateEntities(ctx context.Context, emit func(entity.Entity) error) error {
	for page := 1; ; page++ {
		repos, err := s.listRepos(page)
		if err != nil {
			return fmt.Errorf("failed to list repositories: %w", err)
		}

		for _, repo := range repos {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := s.emitRepo(ctx, repo, emit); err != nil {
				return err
			}
		}

		if len(repos) < giteaPageSize {
			return nil
		}
	}
}

func (s *GiteaSource) listRepos(page int) ([]*gitea.Repository, error) {
	listOpts := gitea.ListOptions{Page: page, PageSize: giteaPageSize}
	if s.owner != "" {
		repos, _, err := s.client.ListOrgRepos(s.owner, gitea.ListOrgReposOptions{ListOptions: listOpts})
		return repos, err
	}
	repos, _, err := s.client.ListMyRepos(gitea.ListReposOptions{ListOptions: listOpts})
	return repos, err
}

func (s *GiteaSource) emitRepo(ctx context.Context, repo *gitea.Repository, emit func(entity.Entity) error) error {
	repoID := fmt.Sprintf("repo-%d", repo.ID)

	if repo.Archived {
		gone, err := entity.NewDeletionEntity(repoID, []entity.Breadcrumb{}, entity.DeletionArchived)
		if err != nil {
			return err
		}
		return emit(gone)
	}

	owner := ""
	if repo.Owner != nil {
		owner = repo.Owner.UserName
	}

	if err := emit(&GiteaRepository{
		Base: entity.Core{
			EntityID:    repoID,
			Breadcrumbs: []entity.Breadcrumb{},
			URL:         repo.HTMLURL,
		},
		Name:          repo.Name,
		FullName:      repo.FullName,
		Description:   repo.Description,
		DefaultBranch: repo.DefaultBranch,
		OwnerLogin:    owner,
		Stars:         int64(repo.Stars),
		Private:       repo.Private,
	}); err != nil {
		return err
	}

	crumb := []entity.Breadcrumb{{EntityID: repoID, Name: repo.FullName, Type: "gitea_repository"}}

	if err := s.emitIssues(ctx, repo, repoID, crumb, emit); err != nil {
		return err
	}
	return s.emitReadme(repo, repoID, crumb, emit)
}

func (s *GiteaSource) emitIssues(ctx context.Context, repo *gitea.Repository, repoID string, crumb []entity.Breadcrumb, emit func(entity.Entity) error) error {
	owner := ""
	if repo.Owner != nil {
		owner = repo.Owner.UserName
	}

	for page := 1; ; page++ {
		issues, _, err := s.client.ListRepoIssues(owner, repo.Name, gitea.ListIssueOption{
			ListOptions: gitea.ListOptions{Page: page, PageSize: giteaPageSize},
			State:       gitea.StateAll,
			Type:        gitea.IssueTypeIssue,
		})
		if err != nil {
			return fmt.Errorf("failed to list issues for %s: %w", repo.FullName, err)
		}

		for _, issue := range issues {
			if err := ctx.Err(); err != nil {
				return err
			}

			labels := make([]string, 0, len(issue.Labels))
			for _, l := range issue.Labels {
				labels = append(labels, l.Name)
			}
			author := ""
			if issue.Poster != nil {
				author = issue.Poster.UserName
			}

			if err := emit(&GiteaIssue{
				Base: entity.Core{
					EntityID:    fmt.Sprintf("%s-issue-%d", repoID, issue.Index),
					Breadcrumbs: crumb,
					ParentID:    repoID,
					URL:         issue.HTMLURL,
				},
				RepoFullName: repo.FullName,
				Number:       issue.Index,
				Title:        issue.Title,
				Body:         issue.Body,
				State:        string(issue.State),
				Author:       author,
				Labels:       labels,
			}); err != nil {
				return err
			}
		}

		if len(issues) < giteaPageSize {
			return nil
		}
	}
}

// emitReadme fetches the default branch README and emits it as a file
// entity. Repositories without one are skipped silently.
func (s *GiteaSource) emitReadme(repo *gitea.Repository, repoID string, crumb []entity.Breadcrumb, emit func(entity.Entity) error) error {
	owner := ""
	if repo.Owner != nil {
		owner = repo.Owner.UserName
	}

	content, _, err := s.client.GetFile(owner, repo.Name, repo.DefaultBranch, "README.md")
	if err != nil {
		return nil
	}

	sum := sha256.Sum256(content)
	return emit(&entity.FileEntity{
		Base: entity.Core{
			EntityID:    repoID + "-readme",
			Breadcrumbs: crumb,
			ParentID:    repoID,
			URL:         fmt.Sprintf("%s/src/branch/%s/README.md", repo.HTMLURL, repo.DefaultBranch),
		},
		Name:        "README.md",
		MIMEType:    "text/markdown",
		SizeBytes:   int64(len(content)),
		DownloadURL: fmt.Sprintf("%s/raw/branch/%s/README.md", repo.HTMLURL, repo.DefaultBranch),
		Checksum:    hex.EncodeToString(sum[:]),
	})
}

// Search answers live repository queries against the Gitea instance.
func (s *GiteaSource) Search(ctx context.Context, query string, limit int) ([]entity.Entity, error) {
	if limit <= 0 {
		limit = 10
	}

	repos, _, err := s.client.SearchRepos(gitea.SearchRepoOptions{
		Keyword:     query,
		ListOptions: gitea.ListOptions{Page: 1, PageSize: limit},
	})
	if err != nil {
		return nil, fmt.Errorf("gitea search failed: %w", err)
	}

	out := make([]entity.Entity, 0, len(repos))
	for _, repo := range repos {
		owner := ""
		if repo.Owner != nil {
			owner = repo.Owner.UserName
		}
		out = append(out, &GiteaRepository{
			Base: entity.Core{
				EntityID:    fmt.Sprintf("repo-%d", repo.ID),
				Breadcrumbs: []entity.Breadcrumb{},
				URL:         repo.HTMLURL,
			},
			Name:          repo.Name,
			FullName:      repo.FullName,
			Description:   repo.Description,
			DefaultBranch: repo.DefaultBranch,
			OwnerLogin:    owner,
			Stars:         int64(repo.Stars),
			Private:       repo.Private,
		})
	}
	return out, nil
}
