package kernel

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"

	"github.com/ovn-org/libovsdb/client"
	"github.com/ovn-org/libovsdb/model"
	"github.com/ovn-org/libovsdb/ovsdb"
)

// These table and column names describe a small custom OVSDB schema this
// package expects the datapath controller to expose, mirroring installed
// SAs, policies, and virtual IPs as rows rather than touching XFRM
// directly. It suits deployments that terminate IPsec on an OVS-managed
// fabric instead of native netfilter.
const (
	saTable      = "IPsec_SA"
	policyTable  = "IPsec_Policy"
	addressTable = "IPsec_Address"
)

// ovsdbRow is the generic row shape libovsdb's model package marshals
// to and from every table this package touches; the schema distinguishes
// rows by the Table field passed to each Transact call, not by Go type.
type ovsdbRow struct {
	UUID   string            `ovsdb:"_uuid"`
	Fields map[string]string `ovsdb:"-"`
}

// OVSDB mirrors installed SAs, policies, and virtual IPs into an Open
// vSwitch database, for deployments where a separate datapath controller
// watches these tables and programs the dataplane out of band.
type OVSDB struct {
	mu     sync.Mutex
	client client.Client
	logger *slog.Logger
}

// NewOVSDB connects to the OVSDB server at endpoint (e.g. "tcp:127.0.0.1:6640")
// and returns a collaborator ready to mirror session state into it.
func NewOVSDB(ctx context.Context, endpoint string, logger *slog.Logger) (*OVSDB, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dbModel, err := model.NewClientDBModel("IPsec", map[string]model.Model{
		saTable:      &ovsdbRow{},
		policyTable:  &ovsdbRow{},
		addressTable: &ovsdbRow{},
	})
	if err != nil {
		return nil, fmt.Errorf("kernel: build OVSDB client model: %w", err)
	}

	c, err := client.NewOVSDBClient(dbModel, client.WithEndpoint(endpoint))
	if err != nil {
		return nil, fmt.Errorf("kernel: create OVSDB client: %w", err)
	}
	if err := c.Connect(ctx); err != nil {
		return nil, fmt.Errorf("kernel: connect to OVSDB at %s: %w", endpoint, err)
	}

	return &OVSDB{client: c, logger: logger}, nil
}

func (o *OVSDB) insert(ctx context.Context, table string, row map[string]any) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	ops := []ovsdb.Operation{{
		Op:    ovsdb.OperationInsert,
		Table: table,
		Row:   row,
	}}

	results, err := o.client.Transact(ctx, ops...)
	if err != nil {
		return fmt.Errorf("kernel: OVSDB transact on %s: %w", table, err)
	}
	if opErr, err := ovsdb.CheckOperationResults(results, ops); err != nil {
		return fmt.Errorf("kernel: OVSDB operation on %s failed: %w (%v)", table, err, opErr)
	}
	return nil
}

func (o *OVSDB) deleteWhere(ctx context.Context, table string, column string, value any) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	ops := []ovsdb.Operation{{
		Op:    ovsdb.OperationDelete,
		Table: table,
		Where: []ovsdb.Condition{{Column: column, Function: ovsdb.ConditionEqual, Value: value}},
	}}

	results, err := o.client.Transact(ctx, ops...)
	if err != nil {
		return fmt.Errorf("kernel: OVSDB transact on %s: %w", table, err)
	}
	if opErr, err := ovsdb.CheckOperationResults(results, ops); err != nil {
		return fmt.Errorf("kernel: OVSDB operation on %s failed: %w (%v)", table, err, opErr)
	}
	return nil
}

func (o *OVSDB) AddSA(p SAParams) error {
	ctx := context.Background()
	return o.insert(ctx, saTable, map[string]any{
		"src":   p.Src.String(),
		"dst":   p.Dst.String(),
		"spi":   p.SPI,
		"proto": p.Proto,
	})
}

func (o *OVSDB) DelSA(p SAParams) error {
	return o.deleteWhere(context.Background(), saTable, "spi", p.SPI)
}

func (o *OVSDB) AddPolicy(p PolicyParams) error {
	ctx := context.Background()
	return o.insert(ctx, policyTable, map[string]any{
		"src_net":   p.SrcNet.String(),
		"dst_net":   p.DstNet.String(),
		"direction": p.Direction,
	})
}

func (o *OVSDB) DelPolicy(p PolicyParams) error {
	return o.deleteWhere(context.Background(), policyTable, "dst_net", p.DstNet.String())
}

// AddRoute and DelRoute are no-ops in the OVSDB backend: a fabric
// controller watching IPsec_Policy derives forwarding state itself and
// does not take explicit route rows.
func (o *OVSDB) AddRoute(RouteParams) error { return nil }
func (o *OVSDB) DelRoute(RouteParams) error { return nil }

func (o *OVSDB) AddIP(iface string, addr netip.Prefix) error {
	return o.insert(context.Background(), addressTable, map[string]any{
		"iface": iface,
		"addr":  addr.String(),
	})
}

func (o *OVSDB) DelIP(iface string, addr netip.Prefix) error {
	return o.deleteWhere(context.Background(), addressTable, "addr", addr.String())
}

func (o *OVSDB) GetSourceAddr(dst netip.Addr) (netip.Addr, error) {
	if dst.Is4() {
		return netip.MustParseAddr("0.0.0.0"), nil
	}
	return netip.MustParseAddr("::"), nil
}

// Close disconnects the underlying OVSDB client.
func (o *OVSDB) Close() {
	o.client.Close()
}
