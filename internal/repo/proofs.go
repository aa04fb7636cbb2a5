package repo

import (
	"context"
	"database/sql"

	"lotline/internal/domain"
)

const proofColumns = `id,registry_id,lot_id,type,status,uri,exif_validation_score,ndvi_validation_score,overall_quality_score,submitted_by,created_at,verified_at`

func scanProof(scan func(dest ...any) error) (domain.Proof, error) {
	var p domain.Proof
	var exif, ndvi, overall sql.NullFloat64
	var verifiedAt sql.NullString
	err := scan(&p.ID, &p.RegistryID, &p.LotID, &p.Type, &p.Status, &p.URI, &exif, &ndvi, &overall, &p.SubmittedBy, &p.CreatedAt, &verifiedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if exif.Valid {
		p.ExifValidationScore = &exif.Float64
	}
	if ndvi.Valid {
		p.NDVIValidationScore = &ndvi.Float64
	}
	if overall.Valid {
		p.OverallQualityScore = &overall.Float64
	}
	if verifiedAt.Valid {
		p.VerifiedAt = &verifiedAt.String
	}
	return p, nil
}

func (r Repo) InsertProof(ctx context.Context, tx *sql.Tx, p domain.Proof) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO proofs(`+proofColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.RegistryID, p.LotID, p.Type, p.Status, p.URI,
		nullableFloatPtr(p.ExifValidationScore), nullableFloatPtr(p.NDVIValidationScore), nullableFloatPtr(p.OverallQualityScore),
		p.SubmittedBy, p.CreatedAt, nullableStringPtr(p.VerifiedAt))
	return err
}

func (r Repo) GetProof(ctx context.Context, id string) (domain.Proof, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+proofColumns+` FROM proofs WHERE id=?`, id)
	return scanProof(row.Scan)
}

func (r Repo) MarkProofVerified(ctx context.Context, tx *sql.Tx, id string, scores domain.Proof, verifiedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE proofs SET status='verified', exif_validation_score=?, ndvi_validation_score=?, overall_quality_score=?, verified_at=? WHERE id=? AND status='pending'`,
		nullableFloatPtr(scores.ExifValidationScore), nullableFloatPtr(scores.NDVIValidationScore), nullableFloatPtr(scores.OverallQualityScore),
		verifiedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := r.GetProof(ctx, id); err == ErrNotFound {
			return ErrNotFound
		}
		return ErrStaleEntity
	}
	return nil
}

func (r Repo) ListLotProofs(ctx context.Context, lotID string) ([]domain.Proof, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+proofColumns+` FROM proofs WHERE lot_id=? ORDER BY created_at ASC, id ASC`, lotID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Proof
	for rows.Next() {
		p, err := scanProof(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, nil
}

func (r Repo) ListLotProofsTx(ctx context.Context, tx *sql.Tx, lotID string) ([]domain.Proof, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+proofColumns+` FROM proofs WHERE lot_id=? ORDER BY created_at ASC, id ASC`, lotID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Proof
	for rows.Next() {
		p, err := scanProof(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, nil
}
