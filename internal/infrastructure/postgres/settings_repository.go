package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/simplifica-app/verifactu-dispatcher/internal/domain"
	"github.com/simplifica-app/verifactu-dispatcher/internal/domain/entity"
	"github.com/simplifica-app/verifactu-dispatcher/internal/domain/repository"
	infravf "github.com/simplifica-app/verifactu-dispatcher/internal/infrastructure/verifactu"
)

var _ repository.SettingsRepository = (*SettingsRepo)(nil)

// SettingsRepo configuración VeriFactu por empresa. El material del
// certificado (PKCS#12 y contraseña) se guarda cifrado con AES-GCM; la clave
// vive fuera de la base de datos.
type SettingsRepo struct {
	q   Querier
	box *infravf.SecretBox
}

// NewSettingsRepository construye el adaptador. Pasar pool o tx (Querier).
func NewSettingsRepository(q Querier, box *infravf.SecretBox) *SettingsRepo {
	return &SettingsRepo{q: q, box: box}
}

// GetByCompany devuelve la configuración, domain.ErrNotFound si no existe.
func (r *SettingsRepo) GetByCompany(ctx context.Context, companyID string) (*entity.VerifactuSettings, error) {
	var s entity.VerifactuSettings
	err := r.q.QueryRow(ctx, `
		SELECT issuer_nif, issuer_name, environment,
		       COALESCE(software_code, ''), COALESCE(software_name, ''), COALESCE(software_version, ''),
		       COALESCE(producer_nif, ''), COALESCE(producer_name, ''), COALESCE(installation_number, ''),
		       updated_at
		FROM verifactu_settings
		WHERE company_id = $1`, companyID).Scan(
		&s.IssuerNIF, &s.IssuerName, &s.Environment,
		&s.SoftwareCode, &s.SoftwareName, &s.SoftwareVersion,
		&s.ProducerNIF, &s.ProducerName, &s.InstallationNumber,
		&s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("get verifactu settings: %w", err)
	}
	return &s, nil
}

// Upsert crea o actualiza la configuración sin tocar el certificado.
func (r *SettingsRepo) Upsert(ctx context.Context, companyID string, s *entity.VerifactuSettings) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO verifactu_settings
			(company_id, issuer_nif, issuer_name, environment,
			 software_code, software_name, software_version,
			 producer_nif, producer_name, installation_number, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
		ON CONFLICT (company_id) DO UPDATE
		SET issuer_nif = EXCLUDED.issuer_nif,
		    issuer_name = EXCLUDED.issuer_name,
		    environment = EXCLUDED.environment,
		    software_code = EXCLUDED.software_code,
		    software_name = EXCLUDED.software_name,
		    software_version = EXCLUDED.software_version,
		    producer_nif = EXCLUDED.producer_nif,
		    producer_name = EXCLUDED.producer_name,
		    installation_number = EXCLUDED.installation_number,
		    updated_at = NOW()`,
		companyID, s.IssuerNIF, s.IssuerName, s.Environment,
		nullIfEmpty(s.SoftwareCode), nullIfEmpty(s.SoftwareName), nullIfEmpty(s.SoftwareVersion),
		nullIfEmpty(s.ProducerNIF), nullIfEmpty(s.ProducerName), nullIfEmpty(s.InstallationNumber),
	)
	if err != nil {
		return fmt.Errorf("upsert verifactu settings: %w", err)
	}
	return nil
}

// GetCertificate devuelve el PKCS#12 y su contraseña ya descifrados.
func (r *SettingsRepo) GetCertificate(ctx context.Context, companyID string) ([]byte, string, error) {
	var p12Enc, passEnc []byte
	err := r.q.QueryRow(ctx, `
		SELECT cert_p12, cert_password
		FROM verifactu_settings
		WHERE company_id = $1`, companyID).Scan(&p12Enc, &passEnc)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, "", domain.ErrCertificate
		}
		return nil, "", fmt.Errorf("get certificate: %w", err)
	}
	if len(p12Enc) == 0 {
		return nil, "", fmt.Errorf("%w: la empresa no tiene certificado cargado", domain.ErrCertificate)
	}

	p12, err := r.box.Open(p12Enc)
	if err != nil {
		return nil, "", fmt.Errorf("%w: descifrando PKCS#12: %v", domain.ErrCertificate, err)
	}
	password, err := r.box.Open(passEnc)
	if err != nil {
		return nil, "", fmt.Errorf("%w: descifrando contraseña: %v", domain.ErrCertificate, err)
	}
	return p12, string(password), nil
}

// StoreCertificate cifra y guarda el material. Exige configuración previa:
// un certificado sin NIF emisor no sirve para nada.
func (r *SettingsRepo) StoreCertificate(ctx context.Context, companyID string, p12 []byte, password string) error {
	p12Enc, err := r.box.Seal(p12)
	if err != nil {
		return fmt.Errorf("cifrando PKCS#12: %w", err)
	}
	passEnc, err := r.box.Seal([]byte(password))
	if err != nil {
		return fmt.Errorf("cifrando contraseña: %w", err)
	}

	tag, err := r.q.Exec(ctx, `
		UPDATE verifactu_settings
		SET cert_p12 = $2, cert_password = $3, updated_at = NOW()
		WHERE company_id = $1`, companyID, p12Enc, passEnc)
	if err != nil {
		return fmt.Errorf("store certificate: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: configura VeriFactu antes de subir el certificado", domain.ErrNotFound)
	}
	return nil
}
