package validation_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civicplan/plantree/internal/domain"
	domainerrors "github.com/civicplan/plantree/internal/errors"
	"github.com/civicplan/plantree/internal/validation"
)

type insertRequest struct {
	ItemType string `json:"item_type" validate:"required,itemtype"`
	ItemID   string `json:"item_id" validate:"required"`
	Position int    `json:"position" validate:"gte=0"`
}

type treeRequest struct {
	Kind     string `json:"kind" validate:"required,treekind"`
	MaxLevel int    `json:"max_level" validate:"gte=-1"`
}

func TestValidator_Success(t *testing.T) {
	v := validation.New()

	assert.NoError(t, v.Validate(insertRequest{ItemType: "project", ItemID: "p-1"}))
	assert.NoError(t, v.Validate(treeRequest{Kind: "plan", MaxLevel: -1}))
}

func TestValidator_Errors(t *testing.T) {
	v := validation.New()

	tests := []struct {
		name      string
		req       any
		wantField string
	}{
		{"unknown item type", insertRequest{ItemType: "book", ItemID: "b"}, "item_type"},
		{"missing item id", insertRequest{ItemType: "page"}, "item_id"},
		{"negative position", insertRequest{ItemType: "page", ItemID: "x", Position: -1}, "position"},
		{"bad tree kind", treeRequest{Kind: "menu"}, "kind"},
		{"max level below unlimited", treeRequest{Kind: "plan", MaxLevel: -2}, "max_level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Validate(tt.req)
			require.Error(t, err)

			var domainErr *domainerrors.Error
			require.ErrorAs(t, err, &domainErr)
			assert.Equal(t, domainerrors.CodeValidation, domainErr.Code)
			assert.True(t, domainerrors.Is(err, domainerrors.ErrValidation))

			details, ok := domainErr.Details.(map[string]string)
			require.True(t, ok)
			assert.Contains(t, details, tt.wantField)
		})
	}
}

func TestValidator_ItemTypeMessageListsVariants(t *testing.T) {
	err := validation.New().Validate(insertRequest{ItemType: "book", ItemID: "b"})

	var domainErr *domainerrors.Error
	require.ErrorAs(t, err, &domainErr)
	details, ok := domainErr.Details.(map[string]string)
	require.True(t, ok)
	for _, it := range domain.ItemTypes {
		assert.Contains(t, details["item_type"], string(it))
	}
}
