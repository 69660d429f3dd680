// Package sqlpoints serves point graphs stored in a SQL table. Points are
// rows holding an id and one column per location dimension; edges may be
// stored in a second table.
package sqlpoints

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"net/url"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/voxpipe/voxpipe/internal/build"
	"github.com/voxpipe/voxpipe/pkg/batch"
	pipelineerrors "github.com/voxpipe/voxpipe/pkg/errors"
	"github.com/voxpipe/voxpipe/pkg/geometry"
	"github.com/voxpipe/voxpipe/pkg/logger"
	"github.com/voxpipe/voxpipe/pkg/pipeline"
	"github.com/voxpipe/voxpipe/pkg/request"
	"github.com/voxpipe/voxpipe/pkg/spec"
	"github.com/voxpipe/voxpipe/pkg/telemetry"
)

var tracer = otel.Tracer("voxpipe/pkg/sources/sqlpoints")

func startTrace(ctx context.Context, name string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "sqlpoints."+name)
}

// PrepareDSN adds a busy timeout to a SQLite DSN unless one is given.
func PrepareDSN(uri string) (string, error) {
	query := url.Values{}
	var err error

	if i := strings.Index(uri, "?"); i != -1 {
		query, err = url.ParseQuery(uri[i+1:])
		if err != nil {
			return uri, fmt.Errorf("error parsing dsn: %w", err)
		}
		uri = uri[:i]
	}

	for _, val := range query["_pragma"] {
		if strings.HasPrefix(val, "busy_timeout") {
			return uri + "?" + query.Encode(), nil
		}
	}
	query.Add("_pragma", "busy_timeout(100)")
	return uri + "?" + query.Encode(), nil
}

// OpenSQLite opens a SQLite database for reading points.
func OpenSQLite(uri string) (*sql.DB, error) {
	uri, err := PrepareDSN(uri)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", uri)
	if err != nil {
		return nil, fmt.Errorf("initialize sqlite connection: %w", err)
	}
	return db, nil
}

// Source serves the points inside the requested ROI. The database is owned
// by the caller; Close only releases what the source registered itself.
type Source struct {
	key  spec.GraphKey
	db   *sql.DB
	stbl sq.StatementBuilderType

	table            string
	idColumn         string
	locationColumns  []string
	attributeColumns []string

	edgeTable   string
	edgeColumns [2]string

	override       *spec.GraphSpec
	spec           spec.GraphSpec
	exportMetrics  bool
	statsCollector prometheus.Collector
	logger         logger.Logger
}

var _ pipeline.Source = (*Source)(nil)

// SourceOpt defines an option that can be used to change the behavior of a
// Source instance.
type SourceOpt func(*Source)

// WithTable sets the table points are read from. Defaults to "points".
func WithTable(table string) SourceOpt {
	return func(s *Source) {
		s.table = table
	}
}

// WithIDColumn sets the column holding the point ids. Defaults to "id".
func WithIDColumn(column string) SourceOpt {
	return func(s *Source) {
		s.idColumn = column
	}
}

// WithLocationColumns sets one column per location dimension. Defaults to
// "z", "y", "x".
func WithLocationColumns(columns ...string) SourceOpt {
	return func(s *Source) {
		s.locationColumns = append([]string(nil), columns...)
	}
}

// WithAttributeColumns sets columns that are copied into the node
// attributes under their column name.
func WithAttributeColumns(columns ...string) SourceOpt {
	return func(s *Source) {
		s.attributeColumns = append([]string(nil), columns...)
	}
}

// WithEdgeTable reads edges from table, one row per edge with the ids of
// both ends in the columns u and v.
func WithEdgeTable(table, u, v string) SourceOpt {
	return func(s *Source) {
		s.edgeTable = table
		s.edgeColumns = [2]string{u, v}
	}
}

// WithSpec advertises s instead of the bounding box of the stored points.
func WithSpec(gs spec.GraphSpec) SourceOpt {
	return func(s *Source) {
		s.override = &gs
	}
}

// WithExportMetrics registers the database pool statistics with prometheus.
func WithExportMetrics(export bool) SourceOpt {
	return func(s *Source) {
		s.exportMetrics = export
	}
}

func WithLogger(l logger.Logger) SourceOpt {
	return func(s *Source) {
		s.logger = l
	}
}

func New(db *sql.DB, key spec.GraphKey, opts ...SourceOpt) (*Source, error) {
	s := &Source{
		key:             key,
		db:              db,
		stbl:            sq.StatementBuilder.RunWith(db),
		table:           "points",
		idColumn:        "id",
		locationColumns: []string{"z", "y", "x"},
		logger:          logger.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if len(s.locationColumns) == 0 {
		return nil, pipelineerrors.InvariantViolation("points need at least one location column")
	}
	if s.override != nil {
		if roi, ok := s.override.ROI(); ok && roi.Dims() != len(s.locationColumns) {
			return nil, pipelineerrors.DimensionMismatch("roi %s for location columns %v", roi, s.locationColumns)
		}
	}

	if s.exportMetrics {
		s.statsCollector = collectors.NewDBStatsCollector(db, build.ProjectName)
		if err := prometheus.Register(s.statsCollector); err != nil {
			return nil, fmt.Errorf("initialize metrics: %w", err)
		}
	}
	return s, nil
}

// Declare advertises the bounding box of the stored points, from the floor
// of the smallest to the ceil of the largest location plus one.
func (s *Source) Declare(ctx context.Context, d *pipeline.Declaration) error {
	if s.override != nil {
		s.spec = *s.override
		return d.Provides(s.key, s.spec)
	}

	ctx, span := startTrace(ctx, "Declare")
	defer span.End()

	columns := make([]string, 0, 2*len(s.locationColumns))
	for _, c := range s.locationColumns {
		columns = append(columns, fmt.Sprintf("MIN(%s)", c), fmt.Sprintf("MAX(%s)", c))
	}
	bounds := make([]sql.NullFloat64, len(columns))
	dest := make([]any, len(bounds))
	for i := range bounds {
		dest[i] = &bounds[i]
	}
	err := s.stbl.Select(columns...).From(s.table).QueryRowContext(ctx).Scan(dest...)
	if err != nil {
		telemetry.TraceError(span, err)
		return fmt.Errorf("reading bounding box of %s: %w", s.table, err)
	}

	if !bounds[0].Valid {
		s.logger.WarnWithContext(ctx, "no points stored", zap.String("table", s.table))
		s.spec = spec.MustGraphSpec()
		return d.Provides(s.key, s.spec)
	}

	dims := len(s.locationColumns)
	begin := make(geometry.Coordinate, dims)
	shape := make(geometry.Coordinate, dims)
	for i := range dims {
		begin[i] = int64(math.Floor(bounds[2*i].Float64))
		shape[i] = int64(math.Ceil(bounds[2*i+1].Float64)) + 1 - begin[i]
	}
	roi := geometry.NewRoi(begin, shape)
	s.logger.DebugWithContext(ctx, "bounding box", zap.String("table", s.table), zap.Stringer("roi", roi))

	s.spec = spec.MustGraphSpec(spec.WithROI(roi))
	return d.Provides(s.key, s.spec)
}

func (s *Source) Provide(ctx context.Context, req *request.BatchRequest) (*batch.Batch, error) {
	b := batch.New()
	requested, ok := req.Graph(s.key)
	if !ok {
		return b, nil
	}

	ctx, span := startTrace(ctx, "Provide")
	defer span.End()

	gs := s.spec
	roi, hasROI := requested.ROI()
	if hasROI {
		var err error
		gs, err = gs.Derive(spec.WithROI(roi))
		if err != nil {
			return nil, err
		}
		span.SetAttributes(attribute.String("roi", roi.String()))
	}

	nodes, err := s.readNodes(ctx, roi, hasROI)
	if err != nil {
		telemetry.TraceError(span, err)
		return nil, err
	}
	edges, err := s.readEdges(ctx, roi, hasROI)
	if err != nil {
		telemetry.TraceError(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("nodes", len(nodes)), attribute.Int("edges", len(edges)))

	g, err := batch.NewGraph(gs, nodes, edges)
	if err != nil {
		return nil, err
	}
	b.SetGraph(s.key, g)
	return b, nil
}

func (s *Source) readNodes(ctx context.Context, roi geometry.Roi, hasROI bool) ([]*batch.Node, error) {
	columns := append([]string{s.idColumn}, s.locationColumns...)
	columns = append(columns, s.attributeColumns...)

	sb := s.stbl.Select(columns...).From(s.table).OrderBy(s.idColumn)
	if hasROI && !roi.IsUnbounded() {
		sb = sb.Where(s.inROI("", roi))
	}

	rows, err := sb.QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", s.table, err)
	}
	defer rows.Close()

	var nodes []*batch.Node
	for rows.Next() {
		var id int64
		location := make([]float64, len(s.locationColumns))
		attrs := make([]any, len(s.attributeColumns))
		dest := make([]any, 0, len(columns))
		dest = append(dest, &id)
		for i := range location {
			dest = append(dest, &location[i])
		}
		for i := range attrs {
			dest = append(dest, &attrs[i])
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("reading %s: %w", s.table, err)
		}

		var attributes map[string]any
		if len(attrs) > 0 {
			attributes = make(map[string]any, len(attrs))
			for i, c := range s.attributeColumns {
				attributes[c] = attrs[i]
			}
		}
		nodes = append(nodes, batch.NewNode(id, location, attributes))
	}
	return nodes, rows.Err()
}

// readEdges returns the stored edges whose both ends lie in roi. The edge
// table is joined with the point table twice so that the query does not
// grow with the number of points served.
func (s *Source) readEdges(ctx context.Context, roi geometry.Roi, hasROI bool) ([]batch.Edge, error) {
	if s.edgeTable == "" {
		return nil, nil
	}

	u, v := "e."+s.edgeColumns[0], "e."+s.edgeColumns[1]
	sb := s.stbl.Select(u, v).
		From(s.edgeTable + " e").
		Join(fmt.Sprintf("%s a ON a.%s = %s", s.table, s.idColumn, u)).
		Join(fmt.Sprintf("%s b ON b.%s = %s", s.table, s.idColumn, v)).
		OrderBy(u, v)
	if hasROI && !roi.IsUnbounded() {
		sb = sb.Where(s.inROI("a", roi)).Where(s.inROI("b", roi))
	}

	rows, err := sb.QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", s.edgeTable, err)
	}
	defer rows.Close()

	var edges []batch.Edge
	for rows.Next() {
		var e batch.Edge
		if err := rows.Scan(&e.U, &e.V); err != nil {
			return nil, fmt.Errorf("reading %s: %w", s.edgeTable, err)
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

// inROI restricts the location columns of the point table, as seen through
// alias, to the half-open roi. An empty alias uses the bare column names.
func (s *Source) inROI(alias string, roi geometry.Roi) sq.And {
	begin, end := roi.Begin(), roi.End()
	pred := make(sq.And, 0, 2*len(s.locationColumns))
	for i, c := range s.locationColumns {
		if alias != "" {
			c = alias + "." + c
		}
		pred = append(pred, sq.GtOrEq{c: begin[i]}, sq.Lt{c: end[i]})
	}
	return pred
}

// Close unregisters the metrics collector. The database stays open.
func (s *Source) Close() error {
	if s.statsCollector != nil {
		if !prometheus.Unregister(s.statsCollector) {
			return errors.New("db stats collector was not registered")
		}
		s.statsCollector = nil
	}
	return nil
}
