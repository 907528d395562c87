// Carga y validación de certificados: PKCS#12 (.p12/.pfx) o par PEM.

package signer

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"time"

	"golang.org/x/crypto/pkcs12"
)

// LoadFromP12 decodifica certificado y llave privada desde bytes PKCS#12.
// El password puede ser vacío si el archivo no está protegido.
func LoadFromP12(data []byte, password string) (tls.Certificate, error) {
	priv, cert, err := pkcs12.Decode(data, password)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("%w: decodificar p12: %v", ErrCertParse, err)
	}
	return tls.Certificate{
		Certificate: [][]byte{cert.Raw},
		PrivateKey:  priv,
		Leaf:        cert,
	}, nil
}

// LoadFromPEM carga certificado y llave desde bytes PEM.
func LoadFromPEM(certPEM, keyPEM []byte) (tls.Certificate, error) {
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("%w: cargar PEM: %v", ErrCertParse, err)
	}
	return cert, nil
}

// CertDigestAndIssuerSerial devuelve el digest SHA-256 del certificado
// (Base64), el nombre del emisor y el serial decimal para el bloque XAdES.
func CertDigestAndIssuerSerial(cert *x509.Certificate) (digestB64 string, issuerName string, serial string) {
	h := sha256.Sum256(cert.Raw)
	digestB64 = base64.StdEncoding.EncodeToString(h[:])
	issuerName = cert.Issuer.String()
	serial = cert.SerialNumber.String()
	return digestB64, issuerName, serial
}

// ValidationReport resultado de validar un certificado para VeriFactu.
type ValidationReport struct {
	Valid    bool
	Errors   []string
	Subject  string
	Issuer   string
	NotAfter time.Time
}

// Validate comprueba que el certificado sirve para firmar remisiones:
// parseable y dentro de su periodo de validez.
func Validate(cert tls.Certificate, now time.Time) ValidationReport {
	var report ValidationReport

	if len(cert.Certificate) == 0 {
		report.Errors = append(report.Errors, "certificado ausente")
		return report
	}
	x509Cert := cert.Leaf
	if x509Cert == nil {
		parsed, err := x509.ParseCertificate(cert.Certificate[0])
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("certificado no parseable: %v", err))
			return report
		}
		x509Cert = parsed
	}

	report.Subject = x509Cert.Subject.String()
	report.Issuer = x509Cert.Issuer.String()
	report.NotAfter = x509Cert.NotAfter

	if now.Before(x509Cert.NotBefore) {
		report.Errors = append(report.Errors, "el certificado aún no es válido")
	}
	if now.After(x509Cert.NotAfter) {
		report.Errors = append(report.Errors, "el certificado ha caducado")
	}

	report.Valid = len(report.Errors) == 0
	return report
}
