package pipelinedef

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"sigs.k8s.io/yaml"

	"github.com/voxpipe/voxpipe/pkg/batch"
	pipelineerrors "github.com/voxpipe/voxpipe/pkg/errors"
	"github.com/voxpipe/voxpipe/pkg/geometry"
	"github.com/voxpipe/voxpipe/pkg/logger"
	"github.com/voxpipe/voxpipe/pkg/nodes"
	"github.com/voxpipe/voxpipe/pkg/pipeline"
	"github.com/voxpipe/voxpipe/pkg/request"
	"github.com/voxpipe/voxpipe/pkg/sources"
	"github.com/voxpipe/voxpipe/pkg/sources/sqlpoints"
	"github.com/voxpipe/voxpipe/pkg/spec"
)

// nodeFactory adds the node defined by n to the builder.
type nodeFactory func(b *builder, n NodeDef) error

var nodeTypes = map[string]nodeFactory{
	"array":          addArraySource,
	"points":         addPointsSource,
	"sqlpoints":      addSQLPointsSource,
	"set_dtype":      addSetDType,
	"crop":           addCrop,
	"squeeze":        addSqueeze,
	"unsqueeze":      addUnsqueeze,
	"fill_locations": addFillLocations,
	"inspect":        addInspect,
	"merge":          addMerge,
	"random":         addRandom,
	"cache":          addCache,
}

// Keys resolves the key names of a definition.
type Keys struct {
	arrays map[string]spec.ArrayKey
	graphs map[string]spec.GraphKey
}

func newKeys(d *Definition) *Keys {
	k := &Keys{
		arrays: make(map[string]spec.ArrayKey, len(d.Arrays)),
		graphs: make(map[string]spec.GraphKey, len(d.Graphs)),
	}
	for _, name := range d.Arrays {
		k.arrays[name] = spec.NewArrayKey(name)
	}
	for _, name := range d.Graphs {
		k.graphs[name] = spec.NewGraphKey(name)
	}
	return k
}

func (k *Keys) Get(name string) (spec.Key, bool) {
	if a, ok := k.arrays[name]; ok {
		return a, true
	}
	if g, ok := k.graphs[name]; ok {
		return g, true
	}
	return nil, false
}

func (k *Keys) Array(name string) (spec.ArrayKey, error) {
	a, ok := k.arrays[name]
	if !ok {
		return spec.ArrayKey{}, pipelineerrors.InvariantViolation("%q is not a declared array key", name)
	}
	return a, nil
}

func (k *Keys) Graph(name string) (spec.GraphKey, error) {
	g, ok := k.graphs[name]
	if !ok {
		return spec.GraphKey{}, pipelineerrors.InvariantViolation("%q is not a declared graph key", name)
	}
	return g, nil
}

// Built is a built definition. Close releases the pipeline and the
// databases opened for it.
type Built struct {
	Pipeline *pipeline.Pipeline
	Keys     *Keys

	def *Definition
	dbs []*sql.DB
}

func (b *Built) Close() error {
	errs := []error{b.Pipeline.Close()}
	for _, db := range b.dbs {
		errs = append(errs, db.Close())
	}
	return errors.Join(errs...)
}

// NewRequest returns the request of the definition. Options are applied
// after the seed of the definition, so request.WithRandomSeed overrides it.
func (b *Built) NewRequest(opts ...request.Option) (*request.BatchRequest, error) {
	if b.def.Request.Seed != nil {
		opts = append([]request.Option{request.WithRandomSeed(*b.def.Request.Seed)}, opts...)
	}
	req := request.New(opts...)

	for _, e := range b.def.Request.Entries {
		key, _ := b.Keys.Get(e.Key)
		if e.Nonspatial {
			if err := req.Set(key, spec.MustArraySpec(spec.WithNonspatial(true), spec.WithPlaceholder(e.Placeholder))); err != nil {
				return nil, err
			}
			continue
		}
		var opts []spec.Option
		if e.VoxelSize != nil {
			opts = append(opts, spec.WithVoxelSize(geometry.NewCoordinate(e.VoxelSize...)))
		}
		if e.Placeholder {
			opts = append(opts, spec.WithPlaceholder(true))
		}
		if err := req.Add(key, geometry.NewCoordinate(e.Shape...), opts...); err != nil {
			return nil, fmt.Errorf("request entry %s: %w", e.Key, err)
		}
	}
	return req, nil
}

// BuildOpt defines an option that can be used to change how a definition
// is built.
type BuildOpt func(*builder)

func WithLogger(l logger.Logger) BuildOpt {
	return func(b *builder) {
		b.logger = l
	}
}

type builder struct {
	def        *Definition
	keys       *Keys
	generators map[string]*pipeline.RandomSourceGenerator
	pipeline   *pipeline.Builder
	logger     logger.Logger
	dbs        []*sql.DB
}

// Build creates every node, connects them and declares the pipeline ending
// in the output node.
func (d *Definition) Build(ctx context.Context, opts ...BuildOpt) (*Built, error) {
	b := &builder{
		def:        d,
		keys:       newKeys(d),
		generators: make(map[string]*pipeline.RandomSourceGenerator, len(d.Generators)),
		logger:     logger.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.pipeline = pipeline.NewBuilder(pipeline.WithLogger(b.logger))

	built, err := b.build(ctx)
	if err != nil {
		for _, db := range b.dbs {
			_ = db.Close()
		}
		return nil, err
	}
	return built, nil
}

func (b *builder) build(ctx context.Context) (*Built, error) {
	for _, g := range b.def.Generators {
		var opts []pipeline.RandomSourceGeneratorOpt
		if g.Weights != nil {
			opts = append(opts, pipeline.WithWeights(g.Weights...))
		}
		if g.Repetitions > 0 {
			opts = append(opts, pipeline.WithRepetitions(g.Repetitions))
		}
		if g.Seed != nil {
			opts = append(opts, pipeline.WithGeneratorSeed(*g.Seed))
		}
		gen, err := pipeline.NewRandomSourceGenerator(g.Sources, opts...)
		if err != nil {
			return nil, fmt.Errorf("generator %q: %w", g.Name, err)
		}
		b.generators[g.Name] = gen
	}

	for _, n := range b.def.Nodes {
		if err := nodeTypes[n.Type](b, n); err != nil {
			return nil, fmt.Errorf("node %q: %w", n.Name, err)
		}
	}
	for _, n := range b.def.Nodes {
		for _, up := range n.Upstream {
			if err := b.pipeline.Connect(up, n.Name); err != nil {
				return nil, err
			}
		}
	}

	p, err := b.pipeline.Build(ctx, b.def.Output)
	if err != nil {
		return nil, err
	}
	b.logger.Info("pipeline built",
		zap.String("pipeline", b.def.Name),
		zap.Int("nodes", len(p.Nodes())),
		zap.String("output", b.def.Output))
	return &Built{Pipeline: p, Keys: b.keys, def: b.def, dbs: b.dbs}, nil
}

func decodeParams(n NodeDef, v any) error {
	if len(n.Params) == 0 {
		return nil
	}
	if err := yaml.UnmarshalStrict(n.Params, v); err != nil {
		return pipelineerrors.InvariantViolation("params of %s node: %s", n.Type, err)
	}
	return nil
}

type roiDef struct {
	Begin []int64 `json:"begin"`
	Shape []int64 `json:"shape"`
}

func (r roiDef) roi() (geometry.Roi, error) {
	if len(r.Begin) != len(r.Shape) {
		return geometry.Roi{}, pipelineerrors.DimensionMismatch("roi begin %v and shape %v", r.Begin, r.Shape)
	}
	return geometry.NewRoi(geometry.NewCoordinate(r.Begin...), geometry.NewCoordinate(r.Shape...)), nil
}

type arrayParams struct {
	Key string `json:"key"`
	roiDef
	VoxelSize      []int64 `json:"voxel_size,omitempty"`
	DType          string  `json:"dtype,omitempty"`
	Interpolatable *bool   `json:"interpolatable,omitempty"`
	// Fill is the value of every voxel. With Ramp voxels hold their flat
	// index instead.
	Fill float64 `json:"fill,omitempty"`
	Ramp bool    `json:"ramp,omitempty"`
}

func addArraySource(b *builder, n NodeDef) error {
	var p arrayParams
	if err := decodeParams(n, &p); err != nil {
		return err
	}
	key, err := b.keys.Array(p.Key)
	if err != nil {
		return err
	}
	roi, err := p.roi()
	if err != nil {
		return err
	}
	voxelSize := geometry.Uniform(roi.Dims(), 1)
	if p.VoxelSize != nil {
		voxelSize = geometry.NewCoordinate(p.VoxelSize...)
	}
	if voxelSize.Dims() != roi.Dims() {
		return pipelineerrors.DimensionMismatch("voxel size %s for roi %s", voxelSize, roi)
	}
	if !roi.Shape().IsMultipleOf(voxelSize) {
		return pipelineerrors.InvariantViolation("roi %s is not a multiple of voxel size %s", roi, voxelSize)
	}

	opts := []spec.Option{spec.WithROI(roi), spec.WithVoxelSize(voxelSize)}
	if p.DType != "" {
		opts = append(opts, spec.WithDType(spec.DType(p.DType)))
	}
	if p.Interpolatable != nil {
		opts = append(opts, spec.WithInterpolatable(*p.Interpolatable))
	}
	s, err := spec.NewArraySpec(opts...)
	if err != nil {
		return err
	}

	voxels := roi.Shape().Div(voxelSize)
	shape := make([]int, len(voxels))
	size := 1
	for i, v := range voxels {
		shape[i] = int(v)
		size *= shape[i]
	}
	data := make([]float64, size)
	for i := range data {
		data[i] = p.Fill
		if p.Ramp {
			data[i] = float64(i)
		}
	}
	a, err := batch.NewArray(s, data, shape...)
	if err != nil {
		return err
	}
	source, err := sources.NewArraySource(key, a)
	if err != nil {
		return err
	}
	return b.pipeline.AddSource(n.Name, source)
}

type pointDef struct {
	ID       int64          `json:"id"`
	Location []float64      `json:"location"`
	Label    *float64       `json:"label,omitempty"`
	Attrs    map[string]any `json:"attrs,omitempty"`
}

type pointsParams struct {
	Key    string     `json:"key"`
	Points []pointDef `json:"points"`
	Edges  [][2]int64 `json:"edges,omitempty"`
	Scale  []float64  `json:"scale,omitempty"`
	// Labels is the array key the point labels are served under.
	Labels string  `json:"labels,omitempty"`
	ROI    *roiDef `json:"roi,omitempty"`
}

func addPointsSource(b *builder, n NodeDef) error {
	var p pointsParams
	if err := decodeParams(n, &p); err != nil {
		return err
	}
	key, err := b.keys.Graph(p.Key)
	if err != nil {
		return err
	}

	var opts []sources.PointsSourceOpt
	points := make([]*batch.Node, len(p.Points))
	labels := map[int64]float64{}
	for i, pt := range p.Points {
		points[i] = batch.NewNode(pt.ID, pt.Location, pt.Attrs)
		if pt.Label != nil {
			labels[pt.ID] = *pt.Label
		}
	}
	if p.Labels != "" {
		labelsKey, err := b.keys.Array(p.Labels)
		if err != nil {
			return err
		}
		opts = append(opts, sources.WithLabels(labelsKey, labels))
	}
	if len(p.Edges) > 0 {
		edges := make([]batch.Edge, len(p.Edges))
		for i, e := range p.Edges {
			edges[i] = batch.Edge{U: e[0], V: e[1]}
		}
		opts = append(opts, sources.WithEdges(edges...))
	}
	if p.Scale != nil {
		opts = append(opts, sources.WithScale(p.Scale...))
	}
	if p.ROI != nil {
		roi, err := p.ROI.roi()
		if err != nil {
			return err
		}
		s, err := spec.NewGraphSpec(spec.WithROI(roi))
		if err != nil {
			return err
		}
		opts = append(opts, sources.WithPointsSpec(s))
	}

	source, err := sources.NewPointsSource(key, points, opts...)
	if err != nil {
		return err
	}
	return b.pipeline.AddSource(n.Name, source)
}

type edgeTableDef struct {
	Table string `json:"table"`
	U     string `json:"u"`
	V     string `json:"v"`
}

type sqlPointsParams struct {
	Key              string        `json:"key"`
	DSN              string        `json:"dsn"`
	Table            string        `json:"table,omitempty"`
	IDColumn         string        `json:"id_column,omitempty"`
	LocationColumns  []string      `json:"location_columns,omitempty"`
	AttributeColumns []string      `json:"attribute_columns,omitempty"`
	EdgeTable        *edgeTableDef `json:"edge_table,omitempty"`
	ExportMetrics    bool          `json:"export_metrics,omitempty"`
}

func addSQLPointsSource(b *builder, n NodeDef) error {
	var p sqlPointsParams
	if err := decodeParams(n, &p); err != nil {
		return err
	}
	key, err := b.keys.Graph(p.Key)
	if err != nil {
		return err
	}
	if p.DSN == "" {
		return pipelineerrors.InvariantViolation("sqlpoints needs a dsn")
	}

	opts := []sqlpoints.SourceOpt{
		sqlpoints.WithLogger(b.logger.With(logger.Node(n.Name))),
		sqlpoints.WithExportMetrics(p.ExportMetrics),
	}
	if p.Table != "" {
		opts = append(opts, sqlpoints.WithTable(p.Table))
	}
	if p.IDColumn != "" {
		opts = append(opts, sqlpoints.WithIDColumn(p.IDColumn))
	}
	if p.LocationColumns != nil {
		opts = append(opts, sqlpoints.WithLocationColumns(p.LocationColumns...))
	}
	if p.AttributeColumns != nil {
		opts = append(opts, sqlpoints.WithAttributeColumns(p.AttributeColumns...))
	}
	if p.EdgeTable != nil {
		opts = append(opts, sqlpoints.WithEdgeTable(p.EdgeTable.Table, p.EdgeTable.U, p.EdgeTable.V))
	}

	db, err := sqlpoints.OpenSQLite(p.DSN)
	if err != nil {
		return err
	}
	b.dbs = append(b.dbs, db)

	source, err := sqlpoints.New(db, key, opts...)
	if err != nil {
		return err
	}
	return b.pipeline.AddSource(n.Name, source)
}

type keyParams struct {
	Key string `json:"key"`
}

func (b *builder) key(name string) (spec.Key, error) {
	key, ok := b.keys.Get(name)
	if !ok {
		return nil, pipelineerrors.InvariantViolation("%q is not a declared key", name)
	}
	return key, nil
}

func addSetDType(b *builder, n NodeDef) error {
	var p struct {
		Key   string `json:"key"`
		DType string `json:"dtype"`
	}
	if err := decodeParams(n, &p); err != nil {
		return err
	}
	key, err := b.key(p.Key)
	if err != nil {
		return err
	}
	f, err := nodes.NewSetDType(key, spec.DType(p.DType))
	if err != nil {
		return err
	}
	return b.pipeline.AddFilter(n.Name, f)
}

func addCrop(b *builder, n NodeDef) error {
	var p struct {
		Key string `json:"key"`
		roiDef
	}
	if err := decodeParams(n, &p); err != nil {
		return err
	}
	key, err := b.key(p.Key)
	if err != nil {
		return err
	}
	roi, err := p.roi()
	if err != nil {
		return err
	}
	return b.pipeline.AddFilter(n.Name, nodes.NewCrop(key, roi))
}

func addSqueeze(b *builder, n NodeDef) error {
	var p keyParams
	if err := decodeParams(n, &p); err != nil {
		return err
	}
	key, err := b.key(p.Key)
	if err != nil {
		return err
	}
	return b.pipeline.AddFilter(n.Name, nodes.NewSqueezeSpatialDim(key))
}

func addUnsqueeze(b *builder, n NodeDef) error {
	var p struct {
		Key  string `json:"key"`
		Axis int    `json:"axis,omitempty"`
	}
	if err := decodeParams(n, &p); err != nil {
		return err
	}
	key, err := b.keys.Array(p.Key)
	if err != nil {
		return err
	}
	return b.pipeline.AddFilter(n.Name, nodes.NewUnsqueezeChannelDim(key, p.Axis))
}

func addFillLocations(b *builder, n NodeDef) error {
	var p struct {
		Points    string  `json:"points"`
		Locations string  `json:"locations"`
		VoxelSize []int64 `json:"voxel_size,omitempty"`
		DropFirst bool    `json:"drop_first,omitempty"`
		MaxPoints int     `json:"max_points,omitempty"`
	}
	if err := decodeParams(n, &p); err != nil {
		return err
	}
	points, err := b.keys.Graph(p.Points)
	if err != nil {
		return err
	}
	locations, err := b.keys.Array(p.Locations)
	if err != nil {
		return err
	}

	opts := []nodes.FillLocationsOpt{nodes.WithDropFirstDim(p.DropFirst), nodes.WithMaxPoints(p.MaxPoints)}
	if p.VoxelSize != nil {
		opts = append(opts, nodes.WithLocationVoxelSize(geometry.NewCoordinate(p.VoxelSize...)))
	}
	return b.pipeline.AddFilter(n.Name, nodes.NewFillLocations(points, locations, opts...))
}

func addInspect(b *builder, n NodeDef) error {
	var p struct {
		Prefix string `json:"prefix,omitempty"`
	}
	if err := decodeParams(n, &p); err != nil {
		return err
	}
	prefix := p.Prefix
	if prefix == "" {
		prefix = n.Name
	}
	return b.pipeline.AddFilter(n.Name, nodes.NewInspectBatch(nodes.WithPrefix(prefix), nodes.WithInspectLogger(b.logger)))
}

func addMerge(b *builder, n NodeDef) error {
	if err := decodeParams(n, &struct{}{}); err != nil {
		return err
	}
	return b.pipeline.AddRelay(n.Name, pipeline.NewMergeProvider())
}

func addRandom(b *builder, n NodeDef) error {
	var p struct {
		Generator string    `json:"generator,omitempty"`
		Weights   []float64 `json:"weights,omitempty"`
		Choice    string    `json:"choice,omitempty"`
	}
	if err := decodeParams(n, &p); err != nil {
		return err
	}

	opts := []pipeline.RandomProviderOpt{
		pipeline.WithRandomProviderLogger(b.logger.With(logger.Node(n.Name))),
	}
	if p.Generator != "" {
		gen, ok := b.generators[p.Generator]
		if !ok {
			return pipelineerrors.InvariantViolation("unknown generator %q", p.Generator)
		}
		opts = append(opts, pipeline.WithGenerator(gen))
	}
	if p.Weights != nil {
		opts = append(opts, pipeline.WithBranchWeights(p.Weights...))
	}
	if p.Choice != "" {
		key, err := b.keys.Array(p.Choice)
		if err != nil {
			return err
		}
		opts = append(opts, pipeline.WithChoiceKey(key))
	}
	return b.pipeline.AddRelay(n.Name, pipeline.NewRandomProvider(opts...))
}

func addCache(b *builder, n NodeDef) error {
	var p struct {
		MaxSize int64  `json:"max_size,omitempty"`
		TTL     string `json:"ttl,omitempty"`
	}
	if err := decodeParams(n, &p); err != nil {
		return err
	}

	opts := []pipeline.CachedProviderOpt{pipeline.WithCacheLogger(b.logger)}
	if p.MaxSize > 0 {
		opts = append(opts, pipeline.WithMaxCacheSize(p.MaxSize))
	}
	if p.TTL != "" {
		ttl, err := time.ParseDuration(p.TTL)
		if err != nil {
			return pipelineerrors.InvariantViolation("cache ttl %q: %s", p.TTL, err)
		}
		opts = append(opts, pipeline.WithCacheTTL(ttl))
	}
	return b.pipeline.AddRelay(n.Name, pipeline.NewCachedProvider(opts...))
}
