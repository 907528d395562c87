package repository

import (
	"context"

	"github.com/simplifica-app/verifactu-dispatcher/internal/domain/entity"
)

// SettingsRepository gestiona la configuración VeriFactu de cada empresa,
// incluido el material del certificado (cifrado en reposo).
type SettingsRepository interface {
	// GetByCompany devuelve la configuración VeriFactu de la empresa, o
	// domain.ErrNotFound si nunca se configuró.
	GetByCompany(ctx context.Context, companyID string) (*entity.VerifactuSettings, error)

	// Upsert crea o actualiza la configuración.
	Upsert(ctx context.Context, companyID string, s *entity.VerifactuSettings) error

	// GetCertificate devuelve el PKCS#12 y su contraseña ya descifrados,
	// listos para firmar. domain.ErrCertificate si no hay certificado.
	GetCertificate(ctx context.Context, companyID string) (p12 []byte, password string, err error)

	// StoreCertificate cifra y guarda el PKCS#12 y su contraseña.
	StoreCertificate(ctx context.Context, companyID string, p12 []byte, password string) error
}
