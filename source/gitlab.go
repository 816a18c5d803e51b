package source

import (
	"context"
	"fmt"

	gitlab "gitlab.com/gitlab-org/api/client-go"

	"weave.evalgo.org/entity"
)

const gitlabPageSize = 50

// GitlabProject is a project record from a GitLab instance.
type GitlabProject struct {
	Base entity.Core

	Name              string
	PathWithNamespace string
	Description       string
	DefaultBranch     string
	Visibility        string
	Stars             int64
}

func (e *GitlabProject) Core() *entity.Core { return &e.Base }
func (e *GitlabProject) TypeName() string   { return "gitlab_project" }

func (e *GitlabProject) Payload() map[string]interface{} {
	return map[string]interface{}{
		"name":                e.Name,
		"path_with_namespace": e.PathWithNamespace,
		"description":         e.Description,
		"default_branch":      e.DefaultBranch,
		"visibility":          e.Visibility,
		"stars":               e.Stars,
	}
}

func (e *GitlabProject) Field(name string) (interface{}, bool) {
	switch name {
	case "name":
		return e.Name, true
	case "path_with_namespace":
		return e.PathWithNamespace, true
	case "description":
		return e.Description, true
	case "default_branch":
		return e.DefaultBranch, true
	case "visibility":
		return e.Visibility, true
	case "stars":
		return e.Stars, true
	case "content":
		return e.Description, true
	case "title":
		return e.PathWithNamespace, true
	}
	return e.Base.Field(name)
}

// GitlabIssue is an issue record from a GitLab project.
type GitlabIssue struct {
	Base entity.Core

	ProjectPath string
	Number      int64
	Title       string
	Body        string
	State       string
	Author      string
	Labels      []string
}

func (e *GitlabIssue) Core() *entity.Core { return &e.Base }
func (e *GitlabIssue) TypeName() string   { return "gitlab_issue" }

func (e *GitlabIssue) Payload() map[string]interface{} {
	return map[string]interface{}{
		"project_path": e.ProjectPath,
		"number":       e.Number,
		"title":        e.Title,
		"body":         e.Body,
		"state":        e.State,
		"author":       e.Author,
		"labels":       e.Labels,
	}
}

func (e *GitlabIssue) Field(name string) (interface{}, bool) {
	switch name {
	case "project_path":
		return e.ProjectPath, true
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

// GitlabSource syncs projects and their issues from a GitLab instance.
// Archived projects surface as deletion entities with status archived.
//
// Settings: "group" restricts the walk to one group's projects; without
// it the token's project memberships are walked.
type GitlabSource struct {
	client *gitlab.Client
	group  string
}

// NewGitlabSource builds the connector against cfg.BaseURL.
func NewGitlabSource(ctx context.Context, cfg *Config) (Source, error) {
	token, err := requireToken(ctx, cfg, "gitlab")
	if err != nil {
		return nil, err
	}

	opts := []gitlab.ClientOptionFunc{
		gitlab.WithBaseURL(cfg.BaseURL + "/api/v4"),
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, gitlab.WithHTTPClient(cfg.HTTPClient))
	}

	client, err := gitlab.NewClient(token, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GitLab client: %w", err)
	}

	return &GitlabSource{
		client: client,
		group:  cfg.StringSetting("group", ""),
	}, nil
}

func (s *GitlabSource) ShortName() string { return "gitlab" }

// Validate checks connectivity by resolving the token's user.
func (s *GitlabSource) Validate(ctx context.Context) error {
	if _, _, err := s.client.Users.CurrentUser(gitlab.WithContext(ctx)); err != nil {
		return fmt.Errorf("gitlab validation failed: %w", err)
	}
	return nil
}

func (s *GitlabSource) GenerateEntities(ctx context.Context, emit func(entity.Entity) error) error {
	page := 1
	for {
		projects, next, err := s.listProjects(ctx, page)
		if err != nil {
			return fmt.Errorf("failed to list projects: %w", err)
		}

		for _, project := range projects {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := s.emitProject(ctx, project, emit); err != nil {
				return err
			}
		}

		if next == 0 {
			return nil
		}
		page = next
	}
}

func (s *GitlabSource) listProjects(ctx context.Context, page int) ([]*gitlab.Project, int, error) {
	listOpts := gitlab.ListOptions{Page: page, PerPage: gitlabPageSize}

	if s.group != "" {
		projects, resp, err := s.client.Groups.ListGroupProjects(s.group, &gitlab.ListGroupProjectsOptions{
			ListOptions: listOpts,
		}, gitlab.WithContext(ctx))
		if err != nil {
			return nil, 0, err
		}
		return projects, resp.NextPage, nil
	}

	projects, resp, err := s.client.Projects.ListProjects(&gitlab.ListProjectsOptions{
		ListOptions: listOpts,
		Membership:  gitlab.Ptr(true),
	}, gitlab.WithContext(ctx))
	if err != nil {
		return nil, 0, err
	}
	return projects, resp.NextPage, nil
}

func (s *GitlabSource) emitProject(ctx context.Context, project *gitlab.Project, emit func(entity.Entity) error) error {
	projectID := fmt.Sprintf("project-%d", project.ID)

	if project.Archived {
		gone, err := entity.NewDeletionEntity(projectID, []entity.Breadcrumb{}, entity.DeletionArchived)
		if err != nil {
			return err
		}
		return emit(gone)
	}

	if err := emit(&GitlabProject{
		Base: entity.Core{
			EntityID:    projectID,
			Breadcrumbs: []entity.Breadcrumb{},
			URL:         project.WebURL,
		},
		Name:              project.Name,
		PathWithNamespace: project.PathWithNamespace,
		Description:       project.Description,
		DefaultBranch:     project.DefaultBranch,
		Visibility:        string(project.Visibility),
		Stars:             int64(project.StarCount),
	}); err != nil {
		return err
	}

	crumb := []entity.Breadcrumb{{EntityID: projectID, Name: project.PathWithNamespace, Type: "gitlab_project"}}
	return s.emitIssues(ctx, project, projectID, crumb, emit)
}

func (s *GitlabSource) emitIssues(ctx context.Context, project *gitlab.Project, projectID string, crumb []entity.Breadcrumb, emit func(entity.Entity) error) error {
	page := 1
	for {
		issues, resp, err := s.client.Issues.ListProjectIssues(project.ID, &gitlab.ListProjectIssuesOptions{
			ListOptions: gitlab.ListOptions{Page: page, PerPage: gitlabPageSize},
		}, gitlab.WithContext(ctx))
		if err != nil {
			return fmt.Errorf("failed to list issues for %s: %w", project.PathWithNamespace, err)
		}

		for _, issue := range issues {
			if err := ctx.Err(); err != nil {
				return err
			}

			author := ""
			if issue.Author != nil {
				author = issue.Author.Username
			}

			if err := emit(&GitlabIssue{
				Base: entity.Core{
					EntityID:    fmt.Sprintf("%s-issue-%d", projectID, issue.IID),
					Breadcrumbs: crumb,
					ParentID:    projectID,
					URL:         issue.WebURL,
				},
				ProjectPath: project.PathWithNamespace,
				Number:      int64(issue.IID),
				Title:       issue.Title,
				Body:        issue.Description,
				State:       issue.State,
				Author:      author,
				Labels:      issue.Labels,
			}); err != nil {
				return err
			}
		}

		if resp.NextPage == 0 {
			return nil
		}
		page = resp.NextPage
	}
}
