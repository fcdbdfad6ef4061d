package diagram

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/lifecycle/internal/store"
)

func TestRenderImage_PNG(t *testing.T) {
	png, err := RenderImage(context.Background(), Build(supportCase(t), nil), FormatPNG)
	require.NoError(t, err)
	require.True(t, len(png) > 8, "PNG should be larger than header")

	// PNG magic bytes: 0x89 P N G.
	assert.Equal(t, byte(0x89), png[0])
	assert.Equal(t, byte('P'), png[1])
	assert.Equal(t, byte('N'), png[2])
	assert.Equal(t, byte('G'), png[3])
}

func TestRenderImage_SVGWithOverlay(t *testing.T) {
	svg, err := RenderImage(context.Background(), Build(supportCase(t), &store.Instance{State: "Closed"}), FormatSVG)
	require.NoError(t, err)
	assert.Contains(t, string(svg), "<svg")
	assert.Contains(t, string(svg), "#1a5276")
}

func TestRenderImage_UnknownFormat(t *testing.T) {
	_, err := RenderImage(context.Background(), &DiagramModel{}, "gif")
	assert.Error(t, err)
}
