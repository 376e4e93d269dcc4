// Package loader 把 SQLite 导出的数据按外键依赖顺序批量写入 Postgres
package loader

// OrderTables 按外键依赖做 DFS 后序：被引用的表总在引用它的表之前
// deps[t] 是 t 引用的表；自引用和不在 tables 中的表会被忽略。
// 假设依赖图无环，有环时输出仍包含每张表一次，但顺序不保证满足约束。
func OrderTables(tables []string, deps map[string][]string) []string {
	known := make(map[string]struct{}, len(tables))
	for _, t := range tables {
		known[t] = struct{}{}
	}

	visited := make(map[string]struct{}, len(tables))
	order := make([]string, 0, len(tables))

	var visit func(string)
	visit = func(t string) {
		visited[t] = struct{}{}
		for _, dep := range deps[t] {
			if _, ok := known[dep]; !ok {
				continue
			}
			if _, ok := visited[dep]; !ok {
				visit(dep)
			}
		}
		order = append(order, t)
	}

	for _, t := range tables {
		if _, ok := visited[t]; !ok {
			visit(t)
		}
	}
	return order
}
