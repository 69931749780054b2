package checker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNodeRoleDetection(t *testing.T) {
	ctx := context.Background()

	primaryNode, err := NewNode(ctx, "p:1", &fakeConn{host: "p:1", primary: true})
	require.NoError(t, err)
	assert.Equal(t, RolePrimary, primaryNode.Role)
	assert.True(t, primaryNode.IsPrimary())

	secondaryNode, err := NewNode(ctx, "s:1", &fakeConn{host: "s:1"})
	require.NoError(t, err)
	assert.Equal(t, RoleSecondary, secondaryNode.Role)
	assert.False(t, secondaryNode.IsPrimary())
}

func TestSplitNodes(t *testing.T) {
	primaryNode, _ := newFakeNode("p:1", true, nil)
	secondaryA, _ := newFakeNode("s:1", false, nil)
	secondaryB, _ := newFakeNode("s:2", false, nil)

	primary, secondaries, err := splitNodes([]*Node{secondaryA, primaryNode, secondaryB})
	require.NoError(t, err)
	assert.Same(t, primaryNode, primary)
	assert.Len(t, secondaries, 2)
}
