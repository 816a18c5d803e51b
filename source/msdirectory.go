package source

import (
	"context"
	"fmt"
	"strings"

	azidentity "github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	msgraphcore "github.com/microsoftgraph/msgraph-sdk-go-core"
	"github.com/microsoftgraph/msgraph-sdk-go/groups"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/users"

	"weave.evalgo.org/entity"
)

// ptrInt32 creates a pointer to an int32 for Microsoft Graph query
// parameters, which the SDK takes as pointers.
func ptrInt32(i int32) *int32 {
	return &i
}

// MSGroup is a directory group from Microsoft Entra ID.
type MSGroup struct {
	Base entity.Core

	DisplayName string
	Description string
	Mail        string
}

func (e *MSGroup) Core() *entity.Core { return &e.Base }
func (e *MSGroup) TypeName() string   { return "ms_group" }

func (e *MSGroup) Payload() map[string]interface{} {
	return map[string]interface{}{
		"display_name": e.DisplayName,
		"description":  e.Description,
		"mail":         e.Mail,
	}
}

func (e *MSGroup) Field(name string) (interface{}, bool) {
	switch name {
	case "display_name", "title":
		return e.DisplayName, true
	case "description", "content":
		return e.Description, true
	case "mail":
		return e.Mail, true
	}
	return e.Base.Field(name)
}

// MSUser is a directory user from Microsoft Entra ID.
type MSUser struct {
	Base entity.Core

	DisplayName       string
	Mail              string
	UserPrincipalName string
}

func (e *MSUser) Core() *entity.Core { return &e.Base }
func (e *MSUser) TypeName() string   { return "ms_user" }

func (e *MSUser) Payload() map[string]interface{} {
	return map[string]interface{}{
		"display_name":        e.DisplayName,
		"mail":                e.Mail,
		"user_principal_name": e.UserPrincipalName,
	}
}

func (e *MSUser) Field(name string) (interface{}, bool) {
	switch name {
	case "display_name", "title":
		return e.DisplayName, true
	case "mail":
		return e.Mail, true
	case "user_principal_name":
		return e.UserPrincipalName, true
	}
	return e.Base.Field(name)
}

// MSDirectorySource syncs users and groups from Microsoft Entra ID and
// reports membership changes through the Graph delta protocol, so ACL
// reconciliation can run incrementally between full syncs.
//
// Settings: "tenant_id", "client_id", "client_secret" — an application
// registration with Group.Read.All and User.Read.All.
type MSDirectorySource struct {
	client *msgraphsdk.GraphServiceClient
}

// NewMSDirectorySource authenticates with client credentials and builds
// the connector.
func NewMSDirectorySource(ctx context.Context, cfg *Config) (Source, error) {
	tenantID := cfg.StringSetting("tenant_id", "")
	clientID := cfg.StringSetting("client_id", "")
	clientSecret := cfg.StringSetting("client_secret", "")
	if tenantID == "" || clientID == "" || clientSecret == "" {
		return nil, fmt.Errorf("msdirectory: tenant_id, client_id and client_secret are required")
	}

	cred, err := azidentity.NewClientSecretCredential(tenantID, clientID, clientSecret, nil)
	if err != nil {
		return nil, fmt.Errorf("msdirectory: failed to create credentials: %w", err)
	}

	client, err := msgraphsdk.NewGraphServiceClientWithCredentials(
		cred,
		[]string{"https://graph.microsoft.com/.default"},
	)
	if err != nil {
		return nil, fmt.Errorf("msdirectory: failed to create graph client: %w", err)
	}

	return &MSDirectorySource{client: client}, nil
}

func (s *MSDirectorySource) ShortName() string { return "msdirectory" }

// Validate checks connectivity by fetching a single user.
func (s *MSDirectorySource) Validate(ctx context.Context) error {
	opts := &users.UsersRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.UsersRequestBuilderGetQueryParameters{
			Top:    ptrInt32(1),
			Select: []string{"id"},
		},
	}
	if _, err := s.client.Users().Get(ctx, opts); err != nil {
		return fmt.Errorf("msdirectory validation failed: %w", err)
	}
	return nil
}

func (s *MSDirectorySource) GenerateEntities(ctx context.Context, emit func(entity.Entity) error) error {
	if err := s.emitUsers(ctx, emit); err != nil {
		return err
	}
	return s.emitGroups(ctx, emit)
}

func (s *MSDirectorySource) emitUsers(ctx context.Context, emit func(entity.Entity) error) error {
	opts := &users.UsersRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.UsersRequestBuilderGetQueryParameters{
			Top:    ptrInt32(100),
			Select: []string{"id", "displayName", "mail", "userPrincipalName"},
		},
	}

	resp, err := s.client.Users().Get(ctx, opts)
	if err != nil {
		return fmt.Errorf("failed to list users: %w", err)
	}

	it, err := msgraphcore.NewPageIterator[models.Userable](
		resp,
		s.client.GetAdapter(),
		models.CreateUserCollectionResponseFromDiscriminatorValue,
	)
	if err != nil {
		return fmt.Errorf("failed to page users: %w", err)
	}

	var emitErr error
	err = it.Iterate(ctx, func(u models.Userable) bool {
		id := deref(u.GetId())
		if id == "" {
			return true
		}
		emitErr = emit(&MSUser{
			Base: entity.Core{
				EntityID:    "user-" + id,
				Breadcrumbs: []entity.Breadcrumb{},
			},
			DisplayName:       deref(u.GetDisplayName()),
			Mail:              deref(u.GetMail()),
			UserPrincipalName: deref(u.GetUserPrincipalName()),
		})
		return emitErr == nil
	})
	if emitErr != nil {
		return emitErr
	}
	return err
}

func (s *MSDirectorySource) emitGroups(ctx context.Context, emit func(entity.Entity) error) error {
	opts := &groups.GroupsRequestBuilderGetRequestConfiguration{
		QueryParameters: &groups.GroupsRequestBuilderGetQueryParameters{
			Top:    ptrInt32(100),
			Select: []string{"id", "displayName", "description", "mail"},
		},
	}

	resp, err := s.client.Groups().Get(ctx, opts)
	if err != nil {
		return fmt.Errorf("failed to list groups: %w", err)
	}

	it, err := msgraphcore.NewPageIterator[models.Groupable](
		resp,
		s.client.GetAdapter(),
		models.CreateGroupCollectionResponseFromDiscriminatorValue,
	)
	if err != nil {
		return fmt.Errorf("failed to page groups: %w", err)
	}

	var emitErr error
	err = it.Iterate(ctx, func(g models.Groupable) bool {
		id := deref(g.GetId())
		if id == "" {
			return true
		}
		emitErr = emit(&MSGroup{
			Base: entity.Core{
				EntityID:    "group-" + id,
				Breadcrumbs: []entity.Breadcrumb{},
			},
			DisplayName: deref(g.GetDisplayName()),
			Description: deref(g.GetDescription()),
			Mail:        deref(g.GetMail()),
		})
		return emitErr == nil
	})
	if emitErr != nil {
		return emitErr
	}
	return err
}

// GetACLChanges walks the groups delta feed. An empty cookie requests
// the full directory state and reports it as non-incremental, which
// makes the caller reconcile memberships; a cookie resumes the feed
// and yields true additions and removals.
func (s *MSDirectorySource) GetACLChanges(ctx context.Context, cookie string) (*DirSyncResult, error) {
	result := &DirSyncResult{Incremental: cookie != ""}

	var resp groups.DeltaGetResponseable
	var err error

	if cookie == "" {
		opts := &groups.DeltaRequestBuilderGetRequestConfiguration{
			QueryParameters: &groups.DeltaRequestBuilderGetQueryParameters{
				Select: []string{"id", "displayName", "members"},
			},
		}
		resp, err = s.client.Groups().Delta().GetAsDeltaGetResponse(ctx, opts)
	} else {
		resp, err = groups.NewDeltaRequestBuilder(cookie, s.client.GetAdapter()).
			GetAsDeltaGetResponse(ctx, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read group delta: %w", err)
	}

	modified := make(map[string]bool)

	for {
		for _, g := range resp.GetValue() {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			s.collectGroupDelta(g, result, modified)
		}

		next := resp.GetOdataNextLink()
		if next == nil || *next == "" {
			if link := resp.GetOdataDeltaLink(); link != nil {
				result.Cookie = *link
			}
			break
		}

		resp, err = groups.NewDeltaRequestBuilder(*next, s.client.GetAdapter()).
			GetAsDeltaGetResponse(ctx, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to follow group delta page: %w", err)
		}
	}

	for id := range modified {
		result.ModifiedGroupIDs = append(result.ModifiedGroupIDs, id)
	}
	return result, nil
}

// collectGroupDelta turns one delta group record into membership changes.
func (s *MSDirectorySource) collectGroupDelta(g models.Groupable, result *DirSyncResult, modified map[string]bool) {
	groupID := deref(g.GetId())
	if groupID == "" {
		return
	}

	extra := g.GetAdditionalData()

	if _, removed := extra["@removed"]; removed {
		result.DeletedGroupIDs = append(result.DeletedGroupIDs, groupID)
		return
	}

	groupName := deref(g.GetDisplayName())

	raw, ok := extra["members@delta"]
	if !ok {
		return
	}
	items, ok := raw.([]interface{})
	if !ok {
		return
	}

	for _, item := range items {
		member, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		memberID, _ := member["id"].(string)
		if memberID == "" {
			continue
		}

		memberType := MemberUser
		if odataType, ok := member["@odata.type"].(string); ok && strings.Contains(odataType, "graph.group") {
			memberType = MemberGroup
		}

		change := MembershipChange{
			Type:       ChangeAdd,
			MemberID:   memberID,
			MemberType: memberType,
			GroupID:    groupID,
			GroupName:  groupName,
		}
		if _, gone := member["@removed"]; gone {
			change.Type = ChangeRemove
		}

		result.Changes = append(result.Changes, change)
		modified[groupID] = true
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
