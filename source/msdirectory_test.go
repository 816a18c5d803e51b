package source

import (
	"context"
	"testing"

	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"weave.evalgo.org/entity"
)

func TestNewMSDirectorySource_RequiresCredentials(t *testing.T) {
	tests := []struct {
		name     string
		settings map[string]interface{}
	}{
		{
			name:     "Empty",
			settings: nil,
		},
		{
			name: "MissingSecret",
			settings: map[string]interface{}{
				"tenant_id": "t",
				"client_id": "c",
			},
		},
		{
			name: "MissingTenant",
			settings: map[string]interface{}{
				"client_id":     "c",
				"client_secret": "s",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewMSDirectorySource(context.Background(), &Config{Settings: tt.settings})
			assert.Error(t, err)
		})
	}
}

func TestNewGiteaSource_RequiresToken(t *testing.T) {
	_, err := NewGiteaSource(context.Background(), &Config{BaseURL: "https://git.example.com"})
	assert.Error(t, err)
}

func TestNewGitlabSource_RequiresToken(t *testing.T) {
	_, err := NewGitlabSource(context.Background(), &Config{BaseURL: "https://gitlab.example.com"})
	assert.Error(t, err)
}

func newDeltaGroup(id, name string, members []interface{}) models.Groupable {
	g := models.NewGroup()
	g.SetId(&id)
	g.SetDisplayName(&name)
	if members != nil {
		g.SetAdditionalData(map[string]interface{}{"members@delta": members})
	}
	return g
}

func TestCollectGroupDelta_AddsAndRemovals(t *testing.T) {
	s := &MSDirectorySource{}
	result := &DirSyncResult{Incremental: true}
	modified := make(map[string]bool)

	g := newDeltaGroup("g-1", "Engineering", []interface{}{
		map[string]interface{}{"id": "u-1", "@odata.type": "#microsoft.graph.user"},
		map[string]interface{}{
			"id":          "u-2",
			"@odata.type": "#microsoft.graph.user",
			"@removed":    map[string]interface{}{"reason": "deleted"},
		},
		map[string]interface{}{"id": "g-sub", "@odata.type": "#microsoft.graph.group"},
	})

	s.collectGroupDelta(g, result, modified)

	require.Len(t, result.Changes, 3)

	added := result.Changes[0]
	assert.Equal(t, ChangeAdd, added.Type)
	assert.Equal(t, "u-1", added.MemberID)
	assert.Equal(t, MemberUser, added.MemberType)
	assert.Equal(t, "g-1", added.GroupID)
	assert.Equal(t, "Engineering", added.GroupName)

	removed := result.Changes[1]
	assert.Equal(t, ChangeRemove, removed.Type)
	assert.Equal(t, "u-2", removed.MemberID)

	nested := result.Changes[2]
	assert.Equal(t, ChangeAdd, nested.Type)
	assert.Equal(t, MemberGroup, nested.MemberType)

	assert.True(t, modified["g-1"])
	assert.Empty(t, result.DeletedGroupIDs)
}

func TestCollectGroupDelta_DeletedGroup(t *testing.T) {
	s := &MSDirectorySource{}
	result := &DirSyncResult{}
	modified := make(map[string]bool)

	id := "g-gone"
	g := models.NewGroup()
	g.SetId(&id)
	g.SetAdditionalData(map[string]interface{}{
		"@removed": map[string]interface{}{"reason": "deleted"},
	})

	s.collectGroupDelta(g, result, modified)

	assert.Equal(t, []string{"g-gone"}, result.DeletedGroupIDs)
	assert.Empty(t, result.Changes)
	assert.Empty(t, modified)
}

func TestCollectGroupDelta_IgnoresMalformedMembers(t *testing.T) {
	s := &MSDirectorySource{}
	result := &DirSyncResult{}
	modified := make(map[string]bool)

	g := newDeltaGroup("g-2", "Ops", []interface{}{
		"not-a-map",
		map[string]interface{}{"no_id": true},
		map[string]interface{}{"id": "u-9"},
	})

	s.collectGroupDelta(g, result, modified)

	require.Len(t, result.Changes, 1)
	assert.Equal(t, "u-9", result.Changes[0].MemberID)
	// Without an @odata.type annotation the member counts as a user.
	assert.Equal(t, MemberUser, result.Changes[0].MemberType)
}

func TestMSDirectoryEntities(t *testing.T) {
	group := &MSGroup{
		Base:        entity.Core{EntityID: "group-g1"},
		DisplayName: "Engineering",
		Description: "builders",
	}
	assert.Equal(t, "ms_group", group.TypeName())
	v, ok := group.Field("content")
	require.True(t, ok)
	assert.Equal(t, "builders", v)

	user := &MSUser{
		Base:              entity.Core{EntityID: "user-u1"},
		DisplayName:       "Dana",
		Mail:              "dana@example.com",
		UserPrincipalName: "dana@corp.example.com",
	}
	assert.Equal(t, "ms_user", user.TypeName())
	v, ok = user.Field("user_principal_name")
	require.True(t, ok)
	assert.Equal(t, "dana@corp.example.com", v)

	h1, err := entity.Hash(user)
	require.NoError(t, err)
	h2, err := entity.Hash(&MSUser{
		Base:              entity.Core{EntityID: "user-u1"},
		DisplayName:       "Dana",
		Mail:              "dana@example.com",
		UserPrincipalName: "dana@corp.example.com",
	})
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}
