package pipeline

import "fmt"

// reorderBuffer releases out-of-order results strictly by index, starting at 0.
// Worker 2 may finish before worker 1; emit only ever sees index n after n-1.
type reorderBuffer[T any] struct {
	pending map[int]T
	next    int
}

func newReorderBuffer[T any]() *reorderBuffer[T] {
	return &reorderBuffer[T]{pending: make(map[int]T)}
}

func (b *reorderBuffer[T]) push(index int, v T, emit func(int, T) error) error {
	b.pending[index] = v
	for {
		item, ok := b.pending[b.next]
		if !ok {
			return nil
		}
		delete(b.pending, b.next)
		if err := emit(b.next, item); err != nil {
			return err
		}
		b.next++
	}
}

// released is the number of items emitted so far.
func (b *reorderBuffer[T]) released() int { return b.next }

// held is the number of items waiting for an earlier index.
func (b *reorderBuffer[T]) held() int { return len(b.pending) }

// gap reports an index that never arrived while later ones did.
func (b *reorderBuffer[T]) gap() error {
	if n := b.held(); n > 0 {
		return fmt.Errorf("frame %d never arrived, %d later frames held back", b.next, n)
	}
	return nil
}
