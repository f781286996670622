package aggregate

import "github.com/tinylsp/lspmux/internal/jsonutil"

func deepMergeAny(dst, src any) any {
	return jsonutil.DeepMerge(dst, src)
}
