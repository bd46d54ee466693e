package manager

import "sort"

// WaitForGraph 等待图：waiter -> 它等待的事务集合
type WaitForGraph struct {
	edges map[uint64]map[uint64]bool
}

// NewWaitForGraph 创建等待图
func NewWaitForGraph() *WaitForGraph {
	return &WaitForGraph{edges: make(map[uint64]map[uint64]bool)}
}

// AddWaitFor 添加等待关系
func (g *WaitForGraph) AddWaitFor(waiter, holder uint64) {
	if waiter == holder {
		return
	}
	if g.edges[waiter] == nil {
		g.edges[waiter] = make(map[uint64]bool)
	}
	g.edges[waiter][holder] = true
}

// RemoveTransaction 移除事务的所有等待关系
func (g *WaitForGraph) RemoveTransaction(txnID uint64) {
	delete(g.edges, txnID)
	for waiter, waitSet := range g.edges {
		delete(waitSet, txnID)
		if len(waitSet) == 0 {
			delete(g.edges, waiter)
		}
	}
}

// Waiters 有出边的事务，升序
func (g *WaitForGraph) Waiters() []uint64 {
	nodes := make([]uint64, 0, len(g.edges))
	for n := range g.edges {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i] < nodes[j] })
	return nodes
}

// WaitsFor 事务等待的对象，升序
func (g *WaitForGraph) WaitsFor(txnID uint64) []uint64 {
	out := make([]uint64, 0, len(g.edges[txnID]))
	for n := range g.edges[txnID] {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// FindCycle 深度优先搜索找一个环，返回环上的事务(按发现顺序)。
// 起点与邻居都按ID升序访问，同一张图总是得到同一个环。
func (g *WaitForGraph) FindCycle() []uint64 {
	const (
		white = iota
		gray
		black
	)
	color := make(map[uint64]int)
	var path []uint64
	var cycle []uint64

	var dfs func(n uint64) bool
	dfs = func(n uint64) bool {
		color[n] = gray
		path = append(path, n)
		for _, next := range g.WaitsFor(n) {
			switch color[next] {
			case gray:
				for i := len(path) - 1; i >= 0; i-- {
					if path[i] == next {
						cycle = append([]uint64(nil), path[i:]...)
						return true
					}
				}
			case white:
				if dfs(next) {
					return true
				}
			}
		}
		path = path[:len(path)-1]
		color[n] = black
		return false
	}

	for _, n := range g.Waiters() {
		if color[n] == white && dfs(n) {
			return cycle
		}
	}
	return nil
}
