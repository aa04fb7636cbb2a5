package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"lotline/internal/config"
	"lotline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// ErrStaleEntity is returned when a versioned update lost the race:
// the row's version no longer matches the one the caller read.
var ErrStaleEntity = errors.New("entity modified concurrently")

func (r Repo) InsertRegistry(ctx context.Context, reg domain.Registry) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO registries(id,name,description,created_at) VALUES (?,?,?,?)`,
		reg.ID, reg.Name, reg.Description, reg.CreatedAt)
	return err
}

func (r Repo) GetRegistry(ctx context.Context, id string) (domain.Registry, error) {
	var reg domain.Registry
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,description,created_at FROM registries WHERE id=?`, id).
		Scan(&reg.ID, &reg.Name, &reg.Description, &reg.CreatedAt)
	if err == sql.ErrNoRows {
		return reg, ErrNotFound
	}
	return reg, err
}

func (r Repo) ListRegistries(ctx context.Context) ([]domain.Registry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,description,created_at FROM registries ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Registry
	for rows.Next() {
		var reg domain.Registry
		if err := rows.Scan(&reg.ID, &reg.Name, &reg.Description, &reg.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, reg)
	}
	return res, nil
}

func (r Repo) SingleRegistry(ctx context.Context) (domain.Registry, error) {
	regs, err := r.ListRegistries(ctx)
	if err != nil {
		return domain.Registry{}, err
	}
	if len(regs) == 0 {
		return domain.Registry{}, ErrNotFound
	}
	if len(regs) > 1 {
		return domain.Registry{}, fmt.Errorf("multiple registries exist; specify --registry")
	}
	return regs[0], nil
}

func (r Repo) UpsertRegistryConfig(ctx context.Context, registryID string, cfg *config.Config) error {
	return upsertRegistryConfig(ctx, r.DB, nil, registryID, cfg)
}

func (r Repo) UpsertRegistryConfigTx(ctx context.Context, tx *sql.Tx, registryID string, cfg *config.Config) error {
	return upsertRegistryConfig(ctx, nil, tx, registryID, cfg)
}

func upsertRegistryConfig(ctx context.Context, db *sql.DB, tx *sql.Tx, registryID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Registry.ID = registryID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return db.ExecContext(ctx, query, args...)
	}
	_, err = exec(`INSERT INTO registry_configs(registry_id,config_yaml,updated_at) VALUES (?,?,?)
ON CONFLICT(registry_id) DO UPDATE SET config_yaml=excluded.config_yaml, updated_at=excluded.updated_at`, registryID, string(payload), now)
	return err
}

func (r Repo) GetRegistryConfig(ctx context.Context, registryID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_yaml FROM registry_configs WHERE registry_id=?`, registryID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	cfg, err := config.FromYAML([]byte(payload))
	if err != nil {
		return nil, err
	}
	if cfg.Registry.ID == "" {
		cfg.Registry.ID = registryID
	}
	return cfg, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func nullableFloatPtr(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableInt64Ptr(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

const lotColumns = `id,registry_id,project_id,vintage_year,quantity,remaining,price_per_tonne,token_id,state,pdi,version,created_at,updated_at`

func scanLot(scan func(dest ...any) error) (domain.Lot, error) {
	var l domain.Lot
	var price sql.NullFloat64
	var token sql.NullString
	err := scan(&l.ID, &l.RegistryID, &l.ProjectID, &l.VintageYear, &l.Quantity, &l.Remaining, &price, &token, &l.State, &l.PDI, &l.Version, &l.CreatedAt, &l.UpdatedAt)
	if err == sql.ErrNoRows {
		return l, ErrNotFound
	}
	if err != nil {
		return l, err
	}
	if price.Valid {
		l.PricePerTonne = &price.Float64
	}
	if token.Valid {
		l.TokenID = &token.String
	}
	return l, nil
}

func (r Repo) InsertLot(ctx context.Context, tx *sql.Tx, l domain.Lot) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO lots(`+lotColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		l.ID, l.RegistryID, l.ProjectID, l.VintageYear, l.Quantity, l.Remaining,
		nullableFloatPtr(l.PricePerTonne), nullableStringPtr(l.TokenID), l.State, l.PDI, l.Version, l.CreatedAt, l.UpdatedAt)
	return err
}

func (r Repo) GetLot(ctx context.Context, id string) (domain.Lot, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+lotColumns+` FROM lots WHERE id=?`, id)
	return scanLot(row.Scan)
}

func (r Repo) GetLotTx(ctx context.Context, tx *sql.Tx, id string) (domain.Lot, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+lotColumns+` FROM lots WHERE id=?`, id)
	return scanLot(row.Scan)
}

// UpdateLotVersioned writes the lot only if its stored version still equals
// l.Version, then bumps the version. Losing the race yields ErrStaleEntity.
func (r Repo) UpdateLotVersioned(ctx context.Context, tx *sql.Tx, l domain.Lot) error {
	res, err := tx.ExecContext(ctx, `UPDATE lots SET project_id=?, vintage_year=?, quantity=?, remaining=?, price_per_tonne=?, token_id=?, state=?, pdi=?, version=version+1, updated_at=? WHERE id=? AND version=?`,
		l.ProjectID, l.VintageYear, l.Quantity, l.Remaining, nullableFloatPtr(l.PricePerTonne),
		nullableStringPtr(l.TokenID), l.State, l.PDI, l.UpdatedAt, l.ID, l.Version)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := r.GetLotTx(ctx, tx, l.ID); err == ErrNotFound {
			return ErrNotFound
		}
		return ErrStaleEntity
	}
	return nil
}

type LotFilters struct {
	RegistryID      string
	ProjectID       string
	State           string
	VintageYear     int
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListLots(ctx context.Context, f LotFilters) ([]domain.Lot, error) {
	var clauses []string
	var args []any
	if f.RegistryID != "" {
		clauses = append(clauses, "registry_id=?")
		args = append(args, f.RegistryID)
	}
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.State != "" {
		clauses = append(clauses, "state=?")
		args = append(args, f.State)
	}
	if f.VintageYear > 0 {
		clauses = append(clauses, "vintage_year=?")
		args = append(args, f.VintageYear)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + lotColumns + ` FROM lots ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Lot
	for rows.Next() {
		l, err := scanLot(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, l)
	}
	return res, nil
}

const orderColumns = `id,registry_id,lot_id,buyer_id,quantity,price_per_tonne,state,version,created_at,updated_at`

func scanOrder(scan func(dest ...any) error) (domain.Order, error) {
	var o domain.Order
	err := scan(&o.ID, &o.RegistryID, &o.LotID, &o.BuyerID, &o.Quantity, &o.PricePerTonne, &o.State, &o.Version, &o.CreatedAt, &o.UpdatedAt)
	if err == sql.ErrNoRows {
		return o, ErrNotFound
	}
	return o, err
}

func (r Repo) InsertOrder(ctx context.Context, tx *sql.Tx, o domain.Order) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO orders(`+orderColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		o.ID, o.RegistryID, o.LotID, o.BuyerID, o.Quantity, o.PricePerTonne, o.State, o.Version, o.CreatedAt, o.UpdatedAt)
	return err
}

func (r Repo) GetOrder(ctx context.Context, id string) (domain.Order, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=?`, id)
	return scanOrder(row.Scan)
}

func (r Repo) GetOrderTx(ctx context.Context, tx *sql.Tx, id string) (domain.Order, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=?`, id)
	return scanOrder(row.Scan)
}

func (r Repo) UpdateOrderVersioned(ctx context.Context, tx *sql.Tx, o domain.Order) error {
	res, err := tx.ExecContext(ctx, `UPDATE orders SET quantity=?, price_per_tonne=?, state=?, version=version+1, updated_at=? WHERE id=? AND version=?`,
		o.Quantity, o.PricePerTonne, o.State, o.UpdatedAt, o.ID, o.Version)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := r.GetOrderTx(ctx, tx, o.ID); err == ErrNotFound {
			return ErrNotFound
		}
		return ErrStaleEntity
	}
	return nil
}

type OrderFilters struct {
	RegistryID      string
	LotID           string
	BuyerID         string
	State           string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListOrders(ctx context.Context, f OrderFilters) ([]domain.Order, error) {
	var clauses []string
	var args []any
	if f.RegistryID != "" {
		clauses = append(clauses, "registry_id=?")
		args = append(args, f.RegistryID)
	}
	if f.LotID != "" {
		clauses = append(clauses, "lot_id=?")
		args = append(args, f.LotID)
	}
	if f.BuyerID != "" {
		clauses = append(clauses, "buyer_id=?")
		args = append(args, f.BuyerID)
	}
	if f.State != "" {
		clauses = append(clauses, "state=?")
		args = append(args, f.State)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + orderColumns + ` FROM orders ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, nil
}

const claimColumns = `id,registry_id,order_id,lot_id,state,step,proof_type,description,file_count,latitude,longitude,capture_date,validation_passed,pdf_file_id,json_file_id,anchor_tx_id,badge_requested,badge_serial,pack_file_id,version,created_at,updated_at`

func scanClaim(scan func(dest ...any) error) (domain.Claim, error) {
	var c domain.Claim
	var lotID, proofType, description, captureDate, pdfID, jsonID, anchorID, packID sql.NullString
	var lat, lon sql.NullFloat64
	var serial sql.NullInt64
	err := scan(&c.ID, &c.RegistryID, &c.OrderID, &lotID, &c.State, &c.Step, &proofType, &description,
		&c.FileCount, &lat, &lon, &captureDate, &c.ValidationPassed, &pdfID, &jsonID, &anchorID,
		&c.BadgeRequested, &serial, &packID, &c.Version, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	if lotID.Valid {
		c.LotID = &lotID.String
	}
	if proofType.Valid {
		c.ProofType = &proofType.String
	}
	if description.Valid {
		c.Description = &description.String
	}
	if captureDate.Valid {
		c.CaptureDate = &captureDate.String
	}
	if lat.Valid {
		c.Latitude = &lat.Float64
	}
	if lon.Valid {
		c.Longitude = &lon.Float64
	}
	if pdfID.Valid {
		c.PDFFileID = &pdfID.String
	}
	if jsonID.Valid {
		c.JSONFileID = &jsonID.String
	}
	if anchorID.Valid {
		c.AnchorTxID = &anchorID.String
	}
	if serial.Valid {
		c.BadgeSerial = &serial.Int64
	}
	if packID.Valid {
		c.PackFileID = &packID.String
	}
	return c, nil
}

func (r Repo) InsertClaim(ctx context.Context, tx *sql.Tx, c domain.Claim) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO claims(`+claimColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.RegistryID, c.OrderID, nullableStringPtr(c.LotID), c.State, c.Step,
		nullableStringPtr(c.ProofType), nullableStringPtr(c.Description), c.FileCount,
		nullableFloatPtr(c.Latitude), nullableFloatPtr(c.Longitude), nullableStringPtr(c.CaptureDate),
		c.ValidationPassed, nullableStringPtr(c.PDFFileID), nullableStringPtr(c.JSONFileID),
		nullableStringPtr(c.AnchorTxID), c.BadgeRequested, nullableInt64Ptr(c.BadgeSerial),
		nullableStringPtr(c.PackFileID), c.Version, c.CreatedAt, c.UpdatedAt)
	return err
}

func (r Repo) GetClaim(ctx context.Context, id string) (domain.Claim, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+claimColumns+` FROM claims WHERE id=?`, id)
	return scanClaim(row.Scan)
}

func (r Repo) GetClaimTx(ctx context.Context, tx *sql.Tx, id string) (domain.Claim, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+claimColumns+` FROM claims WHERE id=?`, id)
	return scanClaim(row.Scan)
}

func (r Repo) UpdateClaimVersioned(ctx context.Context, tx *sql.Tx, c domain.Claim) error {
	res, err := tx.ExecContext(ctx, `UPDATE claims SET lot_id=?, state=?, step=?, proof_type=?, description=?, file_count=?, latitude=?, longitude=?, capture_date=?, validation_passed=?, pdf_file_id=?, json_file_id=?, anchor_tx_id=?, badge_requested=?, badge_serial=?, pack_file_id=?, version=version+1, updated_at=? WHERE id=? AND version=?`,
		nullableStringPtr(c.LotID), c.State, c.Step, nullableStringPtr(c.ProofType), nullableStringPtr(c.Description),
		c.FileCount, nullableFloatPtr(c.Latitude), nullableFloatPtr(c.Longitude), nullableStringPtr(c.CaptureDate),
		c.ValidationPassed, nullableStringPtr(c.PDFFileID), nullableStringPtr(c.JSONFileID), nullableStringPtr(c.AnchorTxID),
		c.BadgeRequested, nullableInt64Ptr(c.BadgeSerial), nullableStringPtr(c.PackFileID), c.UpdatedAt, c.ID, c.Version)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := r.GetClaimTx(ctx, tx, c.ID); err == ErrNotFound {
			return ErrNotFound
		}
		return ErrStaleEntity
	}
	return nil
}

type ClaimFilters struct {
	RegistryID      string
	OrderID         string
	LotID           string
	State           string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListClaims(ctx context.Context, f ClaimFilters) ([]domain.Claim, error) {
	var clauses []string
	var args []any
	if f.RegistryID != "" {
		clauses = append(clauses, "registry_id=?")
		args = append(args, f.RegistryID)
	}
	if f.OrderID != "" {
		clauses = append(clauses, "order_id=?")
		args = append(args, f.OrderID)
	}
	if f.LotID != "" {
		clauses = append(clauses, "lot_id=?")
		args = append(args, f.LotID)
	}
	if f.State != "" {
		clauses = append(clauses, "state=?")
		args = append(args, f.State)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + claimColumns + ` FROM claims ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Claim
	for rows.Next() {
		c, err := scanClaim(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, nil
}
