package watch

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCellNotifiesOnChange(t *testing.T) {
	c := NewCell(1)
	v, ch := c.Changed()
	require.Equal(t, 1, v)

	c.Set(1)
	select {
	case <-ch:
		t.Fatal("setting an equal value must not notify")
	default:
	}

	c.Set(2)
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("no notification after change")
	}
	require.Equal(t, 2, c.Get())

	c.Update(func(v int) int { return v * 10 })
	require.Equal(t, 20, c.Get())
}

func TestCellManySubscribers(t *testing.T) {
	c := NewCell("a")
	var wg sync.WaitGroup
	seen := make(chan string, 10)

	for i := 0; i < 10; i++ {
		_, ch := c.Changed()
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-ch
			seen <- c.Get()
		}()
	}

	c.Set("b")
	wg.Wait()
	close(seen)
	for v := range seen {
		require.Equal(t, "b", v)
	}
}

func TestMapAndConst(t *testing.T) {
	c := NewCell(3)
	even := Map[int, bool](c, func(v int) bool { return v%2 == 0 })
	require.False(t, even.Get())

	_, ch := even.Changed()
	c.Set(4)
	<-ch
	require.True(t, even.Get())

	k := Const(7)
	v, kch := k.Changed()
	require.Equal(t, 7, v)
	require.Nil(t, kch)
}
