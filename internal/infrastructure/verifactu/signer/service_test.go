package signer_test

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/pem"
	"encoding/xml"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/beevik/etree"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ucarion/c14n"

	"github.com/simplifica-app/verifactu-dispatcher/internal/infrastructure/verifactu/signer"
)

// ──────────────────────────────────────────────────────────────────────────────
// Fixtures: certificado autofirmado RSA para los tests.
// ──────────────────────────────────────────────────────────────────────────────

func newTestCert(t *testing.T, notBefore, notAfter time.Time) (tls.Certificate, *rsa.PrivateKey) {
	t.Helper()

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(123456),
		Subject: pkix.Name{
			CommonName:   "ACME CONSULTING SL",
			Organization: []string{"Acme Consulting SL"},
			Country:      []string{"ES"},
		},
		NotBefore:   notBefore,
		NotAfter:    notAfter,
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	require.NoError(t, err)

	leaf, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  priv,
		Leaf:        leaf,
	}, priv
}

func validTestCert(t *testing.T) tls.Certificate {
	cert, _ := newTestCert(t, time.Now().Add(-time.Hour), time.Now().Add(24*time.Hour))
	return cert
}

const sampleXML = `<sf:RegFactuSistemaFacturacion xmlns:sf="https://www2.agenciatributaria.gob.es/static_files/common/internet/dep/aplicaciones/es/aeat/ssii/verifactu/ws/SuministroLR.xsd"><sf:Cabecera><sf:ObligadoEmision><sf:NombreRazon>Acme</sf:NombreRazon><sf:NIF>B12345678</sf:NIF></sf:ObligadoEmision></sf:Cabecera></sf:RegFactuSistemaFacturacion>`

// ──────────────────────────────────────────────────────────────────────────────
// Sign
// ──────────────────────────────────────────────────────────────────────────────

func TestSign_FirmaEnvolvente(t *testing.T) {
	s := signer.NewXAdESService()
	cert := validTestCert(t)

	signed, err := s.Sign([]byte(sampleXML), cert)
	require.NoError(t, err)

	out := string(signed)
	assert.Contains(t, out, "<ds:Signature")
	assert.Contains(t, out, "<ds:SignedInfo")
	assert.Contains(t, out, "<ds:SignatureValue")
	assert.Contains(t, out, "<ds:X509Certificate>")
	assert.Contains(t, out, "<xades:QualifyingProperties")
	assert.Contains(t, out, "<xades:SigningTime>")

	// La firma queda dentro del raíz: antes del cierre.
	closeIdx := strings.LastIndex(out, "</sf:RegFactuSistemaFacturacion>")
	sigIdx := strings.Index(out, "<ds:Signature")
	require.Greater(t, closeIdx, 0)
	assert.Less(t, sigIdx, closeIdx, "la firma se inserta antes del cierre del raíz")

	// El documento firmado sigue siendo XML bien formado.
	doc := etree.NewDocument()
	require.NoError(t, doc.ReadFromString(out))
}

func TestSign_AlgoritmosDeclarados(t *testing.T) {
	s := signer.NewXAdESService()

	signed, err := s.Sign([]byte(sampleXML), validTestCert(t))
	require.NoError(t, err)
	out := string(signed)

	assert.Contains(t, out, signer.AlgC14N)
	assert.Contains(t, out, signer.AlgRSASHA256)
	assert.Contains(t, out, signer.AlgSHA256)
	assert.Contains(t, out, signer.TransformEnveloped)
	assert.Contains(t, out, signer.TypeSignedProperties)
}

func TestSign_DigestDelDocumento(t *testing.T) {
	s := signer.NewXAdESService()

	signed, err := s.Sign([]byte(sampleXML), validTestCert(t))
	require.NoError(t, err)

	// El primer DigestValue de SignedInfo debe ser el SHA-256 del documento
	// canonicalizado (C14N) en Base64.
	dec := xml.NewDecoder(bytes.NewReader([]byte(sampleXML)))
	dec.Entity = map[string]string{}
	canonical, err := c14n.Canonicalize(dec)
	require.NoError(t, err)
	expected := sha256Base64(canonical)

	doc := etree.NewDocument()
	require.NoError(t, doc.ReadFromBytes(signed))
	digest := doc.FindElement("//ds:SignedInfo/ds:Reference/ds:DigestValue")
	require.NotNil(t, digest)
	assert.Equal(t, expected, digest.Text())
}

func TestSign_ValorDeFirmaRSA(t *testing.T) {
	s := signer.NewXAdESService()
	cert := validTestCert(t)

	signed, err := s.Sign([]byte(sampleXML), cert)
	require.NoError(t, err)

	doc := etree.NewDocument()
	require.NoError(t, doc.ReadFromBytes(signed))
	sv := doc.FindElement("//ds:SignatureValue")
	require.NotNil(t, sv)

	raw, err := base64.StdEncoding.DecodeString(sv.Text())
	require.NoError(t, err)
	assert.Len(t, raw, 256, "firma RSA de llave de 2048 bits: 256 bytes")
}

// ──────────────────────────────────────────────────────────────────────────────
// Modos de fallo: cada uno un error explícito y distinguible.
// ──────────────────────────────────────────────────────────────────────────────

func TestSign_XMLVacio(t *testing.T) {
	s := signer.NewXAdESService()
	_, err := s.Sign([]byte("   \n"), validTestCert(t))
	assert.ErrorIs(t, err, signer.ErrEmptyXML)
}

func TestSign_LlaveNoRSA(t *testing.T) {
	s := signer.NewXAdESService()
	cert := validTestCert(t)

	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	cert.PrivateKey = ecKey

	_, err = s.Sign([]byte(sampleXML), cert)
	assert.ErrorIs(t, err, signer.ErrNonRSAKey)
}

func TestSign_CertificadoCaducado(t *testing.T) {
	s := signer.NewXAdESService()
	cert, _ := newTestCert(t, time.Now().Add(-48*time.Hour), time.Now().Add(-24*time.Hour))

	_, err := s.Sign([]byte(sampleXML), cert)
	assert.ErrorIs(t, err, signer.ErrCertExpired)
}

func TestSign_CertificadoNoParseable(t *testing.T) {
	s := signer.NewXAdESService()
	cert := validTestCert(t)
	cert.Certificate = [][]byte{{0xde, 0xad, 0xbe, 0xef}}

	_, err := s.Sign([]byte(sampleXML), cert)
	assert.ErrorIs(t, err, signer.ErrCertParse)
}

func TestSign_SinEtiquetaDeCierre(t *testing.T) {
	s := signer.NewXAdESService()
	_, err := s.Sign([]byte("texto sin etiquetas"), validTestCert(t))
	assert.ErrorIs(t, err, signer.ErrNoClosingTag)
}

// ──────────────────────────────────────────────────────────────────────────────
// Carga y validación de certificados
// ──────────────────────────────────────────────────────────────────────────────

func TestLoadFromPEM(t *testing.T) {
	cert, priv := newTestCert(t, time.Now().Add(-time.Hour), time.Now().Add(time.Hour))

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Certificate[0]})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})

	loaded, err := signer.LoadFromPEM(certPEM, keyPEM)
	require.NoError(t, err)
	assert.NotEmpty(t, loaded.Certificate)
}

func TestLoadFromPEM_Invalido(t *testing.T) {
	_, err := signer.LoadFromPEM([]byte("no es PEM"), []byte("tampoco"))
	assert.ErrorIs(t, err, signer.ErrCertParse)
}

func TestLoadFromP12_Invalido(t *testing.T) {
	_, err := signer.LoadFromP12([]byte{0x00, 0x01}, "clave")
	assert.ErrorIs(t, err, signer.ErrCertParse)
}

func TestValidate(t *testing.T) {
	now := time.Now()

	vigente := signer.Validate(mustCert(t, now.Add(-time.Hour), now.Add(time.Hour)), now)
	assert.True(t, vigente.Valid)
	assert.Empty(t, vigente.Errors)
	assert.Contains(t, vigente.Subject, "ACME CONSULTING SL")

	caducado := signer.Validate(mustCert(t, now.Add(-48*time.Hour), now.Add(-24*time.Hour)), now)
	assert.False(t, caducado.Valid)
	require.Len(t, caducado.Errors, 1)
	assert.Contains(t, caducado.Errors[0], "caducado")

	futuro := signer.Validate(mustCert(t, now.Add(24*time.Hour), now.Add(48*time.Hour)), now)
	assert.False(t, futuro.Valid)

	vacio := signer.Validate(tls.Certificate{}, now)
	assert.False(t, vacio.Valid)
}

func mustCert(t *testing.T, notBefore, notAfter time.Time) tls.Certificate {
	t.Helper()
	cert, _ := newTestCert(t, notBefore, notAfter)
	return cert
}

func sha256Base64(data []byte) string {
	h := sha256Sum(data)
	return base64.StdEncoding.EncodeToString(h)
}

func sha256Sum(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}
