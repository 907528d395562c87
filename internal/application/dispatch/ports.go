package dispatch

import (
	"context"
	"crypto/tls"

	infravf "github.com/simplifica-app/verifactu-dispatcher/internal/infrastructure/verifactu"
)

// Signer firma el XML SuministroLR con el certificado del emisor (XAdES
// envolvente). El despachador nunca conserva la llave: se carga, se firma
// y se descarta en la misma invocación.
type Signer interface {
	Sign(xmlBytes []byte, cert tls.Certificate) ([]byte, error)
}

// Submitter remite registros firmados al servicio VeriFactu.
type Submitter interface {
	SuministroLR(ctx context.Context, signedXML string) (*infravf.SubmitResult, error)
	AnulacionLR(ctx context.Context, signedXML string) (*infravf.SubmitResult, error)
}

// SubmitterFactory construye un Submitter con el certificado del emisor para
// una invocación. El control de flujo AEAT vive dentro del Submitter, así que
// la instancia debe reutilizarse durante todo el lote.
type SubmitterFactory func(env string, cert tls.Certificate) (Submitter, error)

// CertLoader convierte el material PKCS#12 descifrado en un certificado
// utilizable para firma y mTLS.
type CertLoader func(p12 []byte, password string) (tls.Certificate, error)
