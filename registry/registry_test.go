package registry

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type greeter interface{ Greet() string }

type english struct{}

func (english) Greet() string { return "hello" }

type danish struct{}

func (danish) Greet() string { return "hej" }

type closer struct {
	name   string
	closed *[]string
	err    error
}

func (c *closer) Close() error {
	*c.closed = append(*c.closed, c.name)
	return c.err
}

func TestRegistry(t *testing.T) {
	t.Run("registers and finds by type", func(t *testing.T) {
		r := New()
		require.NoError(t, Register(r, "english", english{}))

		assert.True(t, Contains[greeter](r))
		assert.True(t, Contains[english](r))
		assert.False(t, Contains[danish](r))

		g, err := Get[greeter](r)
		require.NoError(t, err)
		assert.Equal(t, "hello", g.Greet())
	})

	t.Run("rejects duplicate names", func(t *testing.T) {
		r := New()
		require.NoError(t, Register(r, "greeter", english{}))
		err := Register(r, "greeter", danish{})
		assert.ErrorIs(t, err, ErrDuplicateName)
		assert.Equal(t, []string{"greeter"}, r.Names())
	})

	t.Run("rejects empty names and nil values", func(t *testing.T) {
		r := New()
		assert.Error(t, Register(r, "", english{}))
		var g greeter
		assert.Error(t, Register(r, "nil", g))
		assert.Empty(t, r.Names())
	})

	t.Run("rejects typed nil values", func(t *testing.T) {
		r := New()
		assert.Error(t, Register(r, "pointer", (*closer)(nil)))

		var c io.Closer = (*closer)(nil)
		assert.Error(t, Register(r, "closer", c))

		var m map[string]int
		assert.Error(t, Register(r, "map", m))
		assert.Empty(t, r.Names())
		assert.False(t, Contains[io.Closer](r))

		require.NoError(t, Register(r, "zero", english{}))
	})

	t.Run("candidates keep registration order", func(t *testing.T) {
		r := New()
		require.NoError(t, Register(r, "b", danish{}))
		require.NoError(t, Register(r, "a", english{}))

		got := Candidates[greeter](r)
		require.Len(t, got, 2)
		assert.Equal(t, "hej", got[0].Greet())
		assert.Equal(t, "hello", got[1].Greet())
	})

	t.Run("get reports missing and ambiguous entries", func(t *testing.T) {
		r := New()
		_, err := Get[greeter](r)
		assert.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, Register(r, "en", english{}))
		require.NoError(t, Register(r, "da", danish{}))
		_, err = Get[greeter](r)

		var ambiguous *AmbiguousError
		require.ErrorAs(t, err, &ambiguous)
		assert.Equal(t, []string{"en", "da"}, ambiguous.Names)
		assert.Contains(t, err.Error(), "registry.greeter")
	})

	t.Run("unique needs exactly one candidate", func(t *testing.T) {
		r := New()
		_, ok := Unique[greeter](r)
		assert.False(t, ok)

		require.NoError(t, Register(r, "en", english{}))
		g, ok := Unique[greeter](r)
		assert.True(t, ok)
		assert.Equal(t, "hello", g.Greet())

		require.NoError(t, Register(r, "da", danish{}))
		_, ok = Unique[greeter](r)
		assert.False(t, ok)
	})

	t.Run("lookup by name", func(t *testing.T) {
		r := New()
		require.NoError(t, Register(r, "en", english{}))

		g, ok := Lookup[greeter](r, "en")
		assert.True(t, ok)
		assert.Equal(t, "hello", g.Greet())

		_, ok = Lookup[danish](r, "en")
		assert.False(t, ok)
		_, ok = Lookup[greeter](r, "missing")
		assert.False(t, ok)
	})

	t.Run("remove frees the name without closing", func(t *testing.T) {
		r := New()
		var closed []string
		require.NoError(t, Register(r, "a", &closer{name: "a", closed: &closed}))
		require.NoError(t, Register(r, "b", english{}))

		v, ok := r.Remove("a")
		require.True(t, ok)
		assert.IsType(t, &closer{}, v)
		assert.Empty(t, closed)
		assert.Equal(t, []string{"b"}, r.Names())

		_, ok = r.Remove("a")
		assert.False(t, ok)
		require.NoError(t, Register(r, "a", danish{}))
		assert.Equal(t, []string{"b", "a"}, r.Names())
	})
}

func TestRegistryClose(t *testing.T) {
	t.Run("closes in reverse order and joins errors", func(t *testing.T) {
		var closed []string
		boom := errors.New("boom")

		r := New()
		require.NoError(t, Register(r, "first", &closer{name: "first", closed: &closed}))
		require.NoError(t, Register(r, "plain", english{}))
		require.NoError(t, Register(r, "second", &closer{name: "second", closed: &closed, err: boom}))

		err := r.Close(context.Background())
		assert.ErrorIs(t, err, boom)
		assert.Contains(t, err.Error(), "close second")
		assert.Equal(t, []string{"second", "first"}, closed)
		assert.Empty(t, r.Names())
	})

	t.Run("stops when the context is done", func(t *testing.T) {
		var closed []string
		r := New()
		require.NoError(t, Register(r, "c", &closer{name: "c", closed: &closed}))

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := r.Close(ctx)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Empty(t, closed)
	})
}
