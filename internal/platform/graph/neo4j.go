package graph

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/rs/zerolog"

	"github.com/mdr/mdr/internal/platform/apperr"
)

// entityLabel is carried by every node so that ids can be indexed.
const entityLabel = "Entity"

// idProp holds the store id on nodes and edges.
const idProp = "_id"

// Neo4jConfig configures the driver.
type Neo4jConfig struct {
	URI         string
	User        string
	Password    string
	Database    string
	Timeout     time.Duration
	MaxPoolSize int
}

// Neo4jStore implements Store on top of Neo4j managed transactions.
type Neo4jStore struct {
	driver   neo4j.DriverWithContext
	database string
	hooks    []CommitHook
	log      zerolog.Logger
}

// NewNeo4jStore connects, verifies connectivity and ensures the id constraint.
func NewNeo4jStore(ctx context.Context, cfg Neo4jConfig, log zerolog.Logger) (*Neo4jStore, error) {
	if cfg.URI == "" {
		return nil, fmt.Errorf("neo4j: uri required")
	}
	if cfg.User == "" {
		cfg.User = "neo4j"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxPoolSize <= 0 {
		cfg.MaxPoolSize = 50
	}

	auth := neo4j.BasicAuth(cfg.User, cfg.Password, "")
	driver, err := neo4j.NewDriverWithContext(cfg.URI, auth, func(c *neo4j.Config) {
		c.MaxConnectionPoolSize = cfg.MaxPoolSize
		c.SocketConnectTimeout = cfg.Timeout
	})
	if err != nil {
		return nil, fmt.Errorf("neo4j: init driver: %w", err)
	}

	vctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	if err := driver.VerifyConnectivity(vctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("neo4j: verify connectivity: %w", err)
	}

	s := &Neo4jStore{driver: driver, database: cfg.Database, log: log.With().Str("component", "neo4j").Logger()}
	s.ensureSchema(ctx)
	return s, nil
}

// ensureSchema is best effort: older servers or missing privileges only
// cost performance.
func (s *Neo4jStore) ensureSchema(ctx context.Context) {
	stmts := []string{
		"CREATE CONSTRAINT entity_id IF NOT EXISTS FOR (n:" + entityLabel + ") REQUIRE n." + idProp + " IS UNIQUE",
		"CREATE INDEX entity_uid IF NOT EXISTS FOR (n:" + entityLabel + ") ON (n." + UIDProp + ")",
		"CREATE CONSTRAINT counter_name IF NOT EXISTS FOR (c:Counter) REQUIRE c.name IS UNIQUE",
	}
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite, DatabaseName: s.database})
	defer session.Close(ctx)
	for _, q := range stmts {
		_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
			res, err := tx.Run(ctx, q, nil)
			if err != nil {
				return nil, err
			}
			_, err = res.Consume(ctx)
			return nil, err
		})
		if err != nil {
			s.log.Warn().Err(err).Str("statement", q).Msg("schema statement failed")
		}
	}
}

func (s *Neo4jStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite, DatabaseName: s.database})
	defer session.Close(ctx)

	var touched map[string]struct{}
	_, err := session.ExecuteWrite(ctx, func(mtx neo4j.ManagedTransaction) (any, error) {
		t := &neoTx{tx: mtx, touched: make(map[string]struct{})}
		if err := fn(t); err != nil {
			return nil, err
		}
		touched = t.touched
		return nil, nil
	})
	if err != nil {
		var ne *neo4j.Neo4jError
		if errors.As(err, &ne) && strings.Contains(ne.Code, "Deadlock") {
			return apperr.Wrap(apperr.KindConflict, "graph.update", err)
		}
		return err
	}

	if len(touched) > 0 {
		uids := make([]string, 0, len(touched))
		for uid := range touched {
			uids = append(uids, uid)
		}
		sort.Strings(uids)
		for _, h := range s.hooks {
			h(ctx, uids)
		}
	}
	return nil
}

func (s *Neo4jStore) View(ctx context.Context, fn func(r Reader) error) error {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead, DatabaseName: s.database})
	defer session.Close(ctx)
	_, err := session.ExecuteRead(ctx, func(mtx neo4j.ManagedTransaction) (any, error) {
		return nil, fn(&neoTx{tx: mtx, readOnly: true})
	})
	return err
}

func (s *Neo4jStore) OnCommit(hook CommitHook) {
	s.hooks = append(s.hooks, hook)
}

func (s *Neo4jStore) Close(ctx context.Context) error {
	return s.driver.Close(ctx)
}

// Ping verifies connectivity for health checks.
func (s *Neo4jStore) Ping(ctx context.Context) error {
	return s.driver.VerifyConnectivity(ctx)
}

type neoTx struct {
	tx       neo4j.ManagedTransaction
	readOnly bool
	touched  map[string]struct{}
}

var errReadOnly = errors.New("graph: write in read transaction")

func (t *neoTx) run(ctx context.Context, cypher string, params map[string]any) ([]*neo4j.Record, error) {
	res, err := t.tx.Run(ctx, cypher, params)
	if err != nil {
		return nil, err
	}
	return res.Collect(ctx)
}

func (t *neoTx) touch(uids ...any) {
	if t.touched == nil {
		return
	}
	for _, u := range uids {
		switch v := u.(type) {
		case string:
			if v != "" {
				t.touched[v] = struct{}{}
			}
		case []any:
			t.touch(v...)
		}
	}
}

func toNode(v any) (*Node, bool) {
	n, ok := v.(neo4j.Node)
	if !ok {
		return nil, false
	}
	props := Props{}
	for k, val := range n.Props {
		if strings.HasPrefix(k, "_") {
			continue
		}
		props[k] = val
	}
	labels := make([]string, 0, len(n.Labels))
	for _, l := range n.Labels {
		if l != entityLabel {
			labels = append(labels, l)
		}
	}
	sort.Strings(labels)
	id, _ := n.Props[idProp].(string)
	return &Node{ID: id, Labels: labels, Props: props}, true
}

func toEdge(rec *neo4j.Record) (*Edge, bool) {
	rv, _ := rec.Get("r")
	r, ok := rv.(neo4j.Relationship)
	if !ok {
		return nil, false
	}
	from, _ := rec.Get("from")
	to, _ := rec.Get("to")
	props := Props{}
	for k, val := range r.Props {
		if !strings.HasPrefix(k, "_") {
			props[k] = val
		}
	}
	id, _ := r.Props[idProp].(string)
	fs, _ := from.(string)
	ts, _ := to.(string)
	return &Edge{ID: id, Type: r.Type, From: fs, To: ts, Props: props}, true
}

func (t *neoTx) Node(ctx context.Context, id string) (*Node, error) {
	recs, err := t.run(ctx, "MATCH (n:"+entityLabel+" {"+idProp+": $id}) RETURN n", map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("node %s: %w", id, ErrNotFound)
	}
	v, _ := recs[0].Get("n")
	n, _ := toNode(v)
	return n, nil
}

func (t *neoTx) FindNodes(ctx context.Context, label string, match Props) ([]*Node, error) {
	if !ValidIdent(label) {
		return nil, fmt.Errorf("invalid label %q", label)
	}
	params := map[string]any{}
	var where []string
	keys := make([]string, 0, len(match))
	for k := range match {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for i, k := range keys {
		if !ValidIdent(k) {
			return nil, fmt.Errorf("invalid property %q", k)
		}
		p := fmt.Sprintf("p%d", i)
		where = append(where, fmt.Sprintf("n.%s = $%s", k, p))
		params[p] = normalize(match[k])
	}
	q := "MATCH (n:" + entityLabel + ":" + label + ")"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " RETURN n ORDER BY n._seq"
	recs, err := t.run(ctx, q, params)
	if err != nil {
		return nil, err
	}
	out := make([]*Node, 0, len(recs))
	for _, rec := range recs {
		v, _ := rec.Get("n")
		if n, ok := toNode(v); ok {
			out = append(out, n)
		}
	}
	return out, nil
}

func (t *neoTx) Out(ctx context.Context, from, edgeType string) ([]*Edge, error) {
	return t.edges(ctx, "MATCH (a:"+entityLabel+" {"+idProp+": $id})-[r"+typeFilter(edgeType)+"]->(b:"+entityLabel+")", from, edgeType)
}

func (t *neoTx) In(ctx context.Context, to, edgeType string) ([]*Edge, error) {
	return t.edges(ctx, "MATCH (a:"+entityLabel+")-[r"+typeFilter(edgeType)+"]->(b:"+entityLabel+" {"+idProp+": $id})", to, edgeType)
}

func typeFilter(edgeType string) string {
	if edgeType == "" || !ValidIdent(edgeType) {
		return ""
	}
	return ":" + edgeType
}

func (t *neoTx) edges(ctx context.Context, match, id, edgeType string) ([]*Edge, error) {
	if edgeType != "" && !ValidIdent(edgeType) {
		return nil, fmt.Errorf("invalid edge type %q", edgeType)
	}
	recs, err := t.run(ctx, match+" RETURN r, a."+idProp+" AS from, b."+idProp+" AS to ORDER BY r._seq", map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	out := make([]*Edge, 0, len(recs))
	for _, rec := range recs {
		if e, ok := toEdge(rec); ok {
			out = append(out, e)
		}
	}
	return out, nil
}

func writeParams(props Props) map[string]any {
	out := make(map[string]any, len(props))
	for k, v := range props.Clone() {
		if v != nil {
			out[k] = v
		}
	}
	return out
}

func (t *neoTx) CreateNode(ctx context.Context, labels []string, props Props) (*Node, error) {
	if t.readOnly {
		return nil, errReadOnly
	}
	for _, l := range labels {
		if !ValidIdent(l) {
			return nil, fmt.Errorf("invalid label %q", l)
		}
	}
	p := writeParams(props)
	p[idProp] = uuid.NewString()
	p["_seq"] = time.Now().UnixNano()
	q := "CREATE (n:" + strings.Join(append([]string{entityLabel}, labels...), ":") + ") SET n = $props RETURN n"
	recs, err := t.run(ctx, q, map[string]any{"props": p})
	if err != nil {
		return nil, err
	}
	v, _ := recs[0].Get("n")
	n, _ := toNode(v)
	t.touch(n.Props[UIDProp])
	return n, nil
}

func (t *neoTx) SetProps(ctx context.Context, id string, props Props) error {
	if t.readOnly {
		return errReadOnly
	}
	p := map[string]any{}
	for k, v := range props.Clone() {
		if !ValidIdent(k) {
			return fmt.Errorf("invalid property %q", k)
		}
		p[k] = v
	}
	recs, err := t.run(ctx, "MATCH (n:"+entityLabel+" {"+idProp+": $id}) WITH n, n.uid AS before SET n += $props RETURN before, n.uid AS after",
		map[string]any{"id": id, "props": p})
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		return fmt.Errorf("node %s: %w", id, ErrNotFound)
	}
	before, _ := recs[0].Get("before")
	after, _ := recs[0].Get("after")
	t.touch(before, after)
	return nil
}

func (t *neoTx) DeleteNode(ctx context.Context, id string) error {
	if t.readOnly {
		return errReadOnly
	}
	recs, err := t.run(ctx, "MATCH (n:"+entityLabel+" {"+idProp+": $id}) OPTIONAL MATCH (n)--(m) "+
		"WITH n, n.uid AS uid, collect(m.uid) AS others DETACH DELETE n RETURN uid, others",
		map[string]any{"id": id})
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		return fmt.Errorf("node %s: %w", id, ErrNotFound)
	}
	uid, _ := recs[0].Get("uid")
	others, _ := recs[0].Get("others")
	t.touch(uid, others)
	return nil
}

func (t *neoTx) CreateEdge(ctx context.Context, edgeType, from, to string, props Props) (*Edge, error) {
	if t.readOnly {
		return nil, errReadOnly
	}
	if !ValidIdent(edgeType) {
		return nil, fmt.Errorf("invalid edge type %q", edgeType)
	}
	p := writeParams(props)
	p[idProp] = uuid.NewString()
	p["_seq"] = time.Now().UnixNano()
	q := "MATCH (a:" + entityLabel + " {" + idProp + ": $from}), (b:" + entityLabel + " {" + idProp + ": $to}) " +
		"CREATE (a)-[r:" + edgeType + "]->(b) SET r = $props RETURN r, a." + idProp + " AS from, b." + idProp + " AS to, a.uid AS fu, b.uid AS tu"
	recs, err := t.run(ctx, q, map[string]any{"from": from, "to": to, "props": p})
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("edge endpoints %s -> %s: %w", from, to, ErrNotFound)
	}
	fu, _ := recs[0].Get("fu")
	tu, _ := recs[0].Get("tu")
	t.touch(fu, tu)
	e, _ := toEdge(recs[0])
	return e, nil
}

func (t *neoTx) SetEdgeProps(ctx context.Context, id string, props Props) error {
	if t.readOnly {
		return errReadOnly
	}
	p := map[string]any{}
	for k, v := range props.Clone() {
		if !ValidIdent(k) {
			return fmt.Errorf("invalid property %q", k)
		}
		p[k] = v
	}
	recs, err := t.run(ctx, "MATCH (a)-[r {"+idProp+": $id}]->(b) SET r += $props RETURN a.uid AS fu, b.uid AS tu",
		map[string]any{"id": id, "props": p})
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		return fmt.Errorf("edge %s: %w", id, ErrNotFound)
	}
	fu, _ := recs[0].Get("fu")
	tu, _ := recs[0].Get("tu")
	t.touch(fu, tu)
	return nil
}

func (t *neoTx) DeleteEdge(ctx context.Context, id string) error {
	if t.readOnly {
		return errReadOnly
	}
	recs, err := t.run(ctx, "MATCH (a)-[r {"+idProp+": $id}]->(b) WITH r, a.uid AS fu, b.uid AS tu DELETE r RETURN fu, tu",
		map[string]any{"id": id})
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		return fmt.Errorf("edge %s: %w", id, ErrNotFound)
	}
	fu, _ := recs[0].Get("fu")
	tu, _ := recs[0].Get("tu")
	t.touch(fu, tu)
	return nil
}

// Lock writes a property on the node, which makes Neo4j hold the node's
// write lock until the transaction ends.
func (t *neoTx) Lock(ctx context.Context, id string) error {
	if t.readOnly {
		return errReadOnly
	}
	recs, err := t.run(ctx, "MATCH (n:"+entityLabel+" {"+idProp+": $id}) SET n._lock = coalesce(n._lock, 0) + 1 RETURN n."+idProp+" AS id",
		map[string]any{"id": id})
	if err != nil {
		return apperr.Wrap(apperr.KindConflict, "graph.lock", err)
	}
	if len(recs) == 0 {
		return fmt.Errorf("node %s: %w", id, ErrNotFound)
	}
	return nil
}

func (t *neoTx) NextCounter(ctx context.Context, name string) (int64, error) {
	if t.readOnly {
		return 0, errReadOnly
	}
	recs, err := t.run(ctx, "MERGE (c:Counter {name: $name}) ON CREATE SET c.value = 0 SET c.value = c.value + 1 RETURN c.value AS value",
		map[string]any{"name": name})
	if err != nil {
		return 0, err
	}
	v, _ := recs[0].Get("value")
	n, _ := v.(int64)
	return n, nil
}
