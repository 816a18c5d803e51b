package registry

import (
	"weave.evalgo.org/destination"
	"weave.evalgo.org/source"
)

// The built-in connectors are wired here rather than in their own packages
// so that source and destination stay import-cycle free, the same way
// database/sql drivers register against a central table.
func init() {
	Register(Entry{
		ShortName:       "gitea",
		Name:            "Gitea",
		Kind:            KindSource,
		AuthMethods:     []AuthMethod{AuthDirect, AuthOAuthToken},
		FederatedSearch: true,
		NewSource:       source.NewGiteaSource,
		Relations: []Relation{
			{
				Type:          "belongs_to",
				SourceType:    "gitea_issue",
				SourceIDField: "repo_full_name",
				TargetType:    "gitea_repository",
				TargetIDField: "full_name",
			},
		},
	})

	Register(Entry{
		ShortName:   "gitlab",
		Name:        "GitLab",
		Kind:        KindSource,
		AuthMethods: []AuthMethod{AuthDirect, AuthOAuthToken, AuthOAuthBrowser, AuthOAuthBYOC},
		NewSource:   source.NewGitlabSource,
		Relations: []Relation{
			{
				Type:          "belongs_to",
				SourceType:    "gitlab_issue",
				SourceIDField: "project_path",
				TargetType:    "gitlab_project",
				TargetIDField: "path_with_namespace",
			},
		},
	})

	// Group membership from the directory flows through the access control
	// tables, not the graph, so no relations are declared here.
	Register(Entry{
		ShortName:          "msdirectory",
		Name:               "Microsoft Directory",
		Kind:               KindSource,
		AuthMethods:        []AuthMethod{AuthDirect, AuthProvider},
		SupportsContinuous: true,
		NewSource:          source.NewMSDirectorySource,
	})

	Register(Entry{
		ShortName:      "neo4j",
		Name:           "Neo4j",
		Kind:           KindDestination,
		AuthMethods:    []AuthMethod{AuthDirect},
		NewDestination: destination.NewNeo4j,
	})

	Register(Entry{
		ShortName:      "couchdb",
		Name:           "CouchDB",
		Kind:           KindDestination,
		AuthMethods:    []AuthMethod{AuthDirect},
		NewDestination: destination.NewCouchDB,
	})

	Register(Entry{
		ShortName:      "bolt",
		Name:           "Bolt",
		Kind:           KindDestination,
		AuthMethods:    []AuthMethod{AuthDirect},
		NewDestination: destination.NewBolt,
	})
}
