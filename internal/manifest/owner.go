package manifest

// OwnerKind discriminates the two possible owners of a virtual path.
type OwnerKind int

const (
	// OwnerReal means the real tree under the mount root is authoritative.
	OwnerReal OwnerKind = iota
	// OwnerLayer means a specific layer source is authoritative.
	OwnerLayer
)

// Owner identifies which backend is authoritative for a path: the real
// tree, or a layer named by its source path.
type Owner struct {
	Kind  OwnerKind
	Layer string // layer source identifier, set when Kind == OwnerLayer
}

// Real is the owner value for the real tree.
func Real() Owner { return Owner{Kind: OwnerReal} }

// Layer is the owner value for the layer backed by source.
func Layer(source string) Owner { return Owner{Kind: OwnerLayer, Layer: source} }

func (o Owner) String() string {
	if o.Kind == OwnerReal {
		return "real"
	}
	return o.Layer
}

// OwnerInfo is the result of a resolution query: who owns the path and
// the absolute backend path that actually holds the data. Produced fresh
// per query, never persisted.
type OwnerInfo struct {
	Owner       Owner
	BackendPath string
}
