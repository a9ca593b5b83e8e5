package block

// InsertPolicy decides where a newly generated block enters the queue.
// The returned index must be in [1, len(blocks)] when the head block has
// begun transmission and in [0, len(blocks)] otherwise.
type InsertPolicy interface {
	Position(blocks []*Block, b *Block) int
}

// FIFO appends every block at the tail.
type FIFO struct{}

func (FIFO) Position(blocks []*Block, _ *Block) int { return len(blocks) }

// ByPriority keeps blocks ordered by ascending Priority value, ties in
// arrival order. A head block that has begun is never displaced.
type ByPriority struct{}

func (ByPriority) Position(blocks []*Block, b *Block) int {
	start := 0
	if len(blocks) > 0 && blocks[0].HasBegun() {
		start = 1
	}
	for i := start; i < len(blocks); i++ {
		if b.Info.Priority < blocks[i].Info.Priority {
			return i
		}
	}
	return len(blocks)
}

// PolicyByName maps a configuration value to a policy.
func PolicyByName(name string) (InsertPolicy, bool) {
	switch name {
	case "", "fifo":
		return FIFO{}, true
	case "priority":
		return ByPriority{}, true
	}
	return nil, false
}

// Queue is the ordered collection of blocks pending for one destination.
// Only the front block may be written and blocks leave from the front.
type Queue struct {
	blocks []*Block
	policy InsertPolicy
}

// NewQueue returns an empty queue. A nil policy means FIFO.
func NewQueue(policy InsertPolicy) *Queue {
	if policy == nil {
		policy = FIFO{}
	}
	return &Queue{policy: policy}
}

func (q *Queue) Len() int { return len(q.blocks) }

// Front returns the head block or nil.
func (q *Queue) Front() *Block {
	if len(q.blocks) == 0 {
		return nil
	}
	return q.blocks[0]
}

// PopFront removes and returns the head block.
func (q *Queue) PopFront() *Block {
	if len(q.blocks) == 0 {
		return nil
	}
	b := q.blocks[0]
	q.blocks[0] = nil
	q.blocks = q.blocks[1:]
	return b
}

// Push inserts b where the queue's policy places it.
func (q *Queue) Push(b *Block) {
	i := q.policy.Position(q.blocks, b)
	if i < 0 || i > len(q.blocks) || (i == 0 && len(q.blocks) > 0 && q.blocks[0].HasBegun()) {
		i = len(q.blocks)
	}
	q.blocks = append(q.blocks, nil)
	copy(q.blocks[i+1:], q.blocks[i:])
	q.blocks[i] = b
}
