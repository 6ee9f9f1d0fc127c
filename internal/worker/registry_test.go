package worker

import (
	"context"
	"testing"

	"hopper/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubHandler struct {
	kind model.Kind
	err  error
}

func (s *stubHandler) Kind() model.Kind { return s.kind }

func (s *stubHandler) Handle(context.Context, model.WorkMessage) error { return s.err }

func TestRegistryLookup(t *testing.T) {
	mboxHandler := &stubHandler{kind: model.KindMbox}
	amazonHandler := &stubHandler{kind: model.KindAmazonHistory}
	registry := NewRegistry(mboxHandler, amazonHandler)

	h, err := registry.Get(model.KindMbox)
	require.NoError(t, err)
	assert.Same(t, mboxHandler, h)

	h, err = registry.Get(model.KindAmazonHistory)
	require.NoError(t, err)
	assert.Same(t, amazonHandler, h)

	_, err = registry.Get(model.Kind("unknown"))
	assert.Error(t, err)
}

func TestRegistryKinds(t *testing.T) {
	registry := NewRegistry(&stubHandler{kind: model.KindMbox}, &stubHandler{kind: model.KindAmazonHistory})

	kinds := registry.Kinds()
	assert.ElementsMatch(t, []model.Kind{model.KindMbox, model.KindAmazonHistory}, kinds)
}
