package cache

import "container/list"

// arcPolicy is an adaptive replacement cache: two resident lists, T1
// (recency) and T2 (frequency), and two ghost lists, B1 and B2, whose
// relative hit rates drive an adaptive target size p for T1 (spec
// §4.J). A ghost hit means the target's size should grow toward
// whichever of T1/T2 is proving more valuable.
type arcPolicy struct {
	capacity int
	p        int

	t1, t2, b1, b2 *list.List
	elemIn         map[string]*list.Element
	listOf         map[string]*list.List
}

func newARCPolicy(capacity int) *arcPolicy {
	if capacity <= 0 {
		capacity = 1024
	}
	return &arcPolicy{
		capacity: capacity,
		t1:       list.New(), t2: list.New(), b1: list.New(), b2: list.New(),
		elemIn: make(map[string]*list.Element),
		listOf: make(map[string]*list.List),
	}
}

func (p *arcPolicy) moveToT2Front(key string) {
	p.removeFromCurrentList(key)
	e := p.t2.PushFront(key)
	p.elemIn[key] = e
	p.listOf[key] = p.t2
}

func (p *arcPolicy) removeFromCurrentList(key string) {
	if l, ok := p.listOf[key]; ok {
		l.Remove(p.elemIn[key])
		delete(p.elemIn, key)
		delete(p.listOf, key)
	}
}

// Add handles a resident-cache insert of a previously-absent key,
// implementing ARC's REQUEST(x) ghost-hit adaptation.
func (p *arcPolicy) Add(key string) {
	switch {
	case p.listOf[key] == p.b1:
		if p.b1.Len() > 0 {
			delta := 1
			if p.b2.Len() > p.b1.Len() {
				delta = p.b2.Len() / p.b1.Len()
			}
			p.p = min(p.capacity, p.p+delta)
		}
		p.moveToT2Front(key)
	case p.listOf[key] == p.b2:
		if p.b2.Len() > 0 {
			delta := 1
			if p.b1.Len() > p.b2.Len() {
				delta = p.b1.Len() / p.b2.Len()
			}
			p.p = max(0, p.p-delta)
		}
		p.moveToT2Front(key)
	default:
		e := p.t1.PushFront(key)
		p.elemIn[key] = e
		p.listOf[key] = p.t1
	}
}

// Touch promotes a T1 hit to T2 and refreshes a T2 entry's recency,
// the standard ARC access rule.
func (p *arcPolicy) Touch(key string) {
	if _, ok := p.elemIn[key]; !ok {
		return
	}
	p.moveToT2Front(key)
}

func (p *arcPolicy) Remove(key string) {
	p.removeFromCurrentList(key)
}

func (p *arcPolicy) Len() int { return p.t1.Len() + p.t2.Len() }

// Evict picks T1's or T2's LRU tail per ARC's replacement rule, moves
// the victim key into the matching ghost list, and returns it for the
// front-end to drop from its value map.
func (p *arcPolicy) Evict() (string, bool) {
	if p.t1.Len() == 0 && p.t2.Len() == 0 {
		return "", false
	}

	fromT1 := p.t1.Len() > 0 && (p.t1.Len() > max(1, p.p) || p.t2.Len() == 0)

	var victimList, ghostList *list.List
	if fromT1 {
		victimList, ghostList = p.t1, p.b1
	} else {
		victimList, ghostList = p.t2, p.b2
	}

	back := victimList.Back()
	key := back.Value.(string)
	victimList.Remove(back)
	delete(p.elemIn, key)
	delete(p.listOf, key)

	e := ghostList.PushFront(key)
	p.elemIn[key] = e
	p.listOf[key] = ghostList
	if ghostList.Len() > p.capacity {
		tail := ghostList.Back()
		ghostList.Remove(tail)
		gk := tail.Value.(string)
		delete(p.elemIn, gk)
		delete(p.listOf, gk)
	}

	return key, true
}
