// Servicio de firma digital XAdES Enveloped para registros VeriFactu.
// La firma se inserta inmediatamente antes del cierre del elemento raíz.

package signer

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ucarion/c14n"
)

// Errores de firma. Cada modo de fallo es explícito, nunca un fallback silencioso.
var (
	ErrEmptyXML     = errors.New("signer: XML vacío")
	ErrNonRSAKey    = errors.New("signer: la llave privada debe ser RSA")
	ErrCertParse    = errors.New("signer: certificado no parseable")
	ErrCertExpired  = errors.New("signer: certificado caducado o aún no válido")
	ErrNoClosingTag = errors.New("signer: el XML no tiene etiqueta de cierre del elemento raíz")
)

// XAdESService implementa la firma XAdES Enveloped sobre el XML SuministroLR.
type XAdESService struct {
	now func() time.Time
}

// NewXAdESService crea el servicio de firma con el reloj del sistema.
func NewXAdESService() *XAdESService {
	return &XAdESService{now: time.Now}
}

// NewXAdESServiceWithClock fija el reloj de firma (tests).
func NewXAdESServiceWithClock(now func() time.Time) *XAdESService {
	return &XAdESService{now: now}
}

// Sign firma el documento y devuelve el XML con el nodo ds:Signature embebido
// antes del cierre del elemento raíz.
func (s *XAdESService) Sign(xmlBytes []byte, cert tls.Certificate) ([]byte, error) {
	if len(bytes.TrimSpace(xmlBytes)) == 0 {
		return nil, ErrEmptyXML
	}
	priv, ok := cert.PrivateKey.(*rsa.PrivateKey)
	if !ok {
		return nil, ErrNonRSAKey
	}
	if len(cert.Certificate) == 0 {
		return nil, ErrCertParse
	}
	x509Cert, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCertParse, err)
	}
	now := s.now()
	if now.Before(x509Cert.NotBefore) || now.After(x509Cert.NotAfter) {
		return nil, ErrCertExpired
	}

	signatureID := generateID("Signature")
	signedPropsID := generateID("SignedProperties")
	keyInfoID := generateID("KeyInfo")
	signatureValueID := generateID("SignatureValue")

	// 1) Digest del documento canonicalizado.
	docDigest := sha256B64(canonicalize(xmlBytes))

	// 2) SignedProperties: instante de firma + digest/emisor/serial del certificado.
	certDigestB64, issuerName, serial := CertDigestAndIssuerSerial(x509Cert)
	signingTime := now.UTC().Format("2006-01-02T15:04:05.000Z")
	signedProps := s.buildSignedProperties(signedPropsID, signingTime, certDigestB64, issuerName, serial)
	signedPropsDigest := sha256B64(canonicalize([]byte(signedProps)))

	// 3) SignedInfo con las dos referencias: documento y SignedProperties.
	signedInfo := s.buildSignedInfo(docDigest, signedPropsDigest, signedPropsID)

	// 4) Firma RSA-SHA256 del SignedInfo canonicalizado.
	signHash := sha256.Sum256(canonicalize([]byte(signedInfo)))
	signatureValue, err := rsa.SignPKCS1v15(rand.Reader, priv, crypto.SHA256, signHash[:])
	if err != nil {
		return nil, fmt.Errorf("signer: firmar SignedInfo: %w", err)
	}

	// 5) Ensamblado del nodo ds:Signature completo.
	certB64 := base64.StdEncoding.EncodeToString(x509Cert.Raw)
	signature := s.buildSignature(
		signatureID, signedInfo,
		signatureValueID, base64.StdEncoding.EncodeToString(signatureValue),
		keyInfoID, certB64, signedProps,
	)

	// 6) Empalme antes del cierre del raíz (firma enveloped).
	return spliceSignature(xmlBytes, signature)
}

// canonicalize aplica C14N; si el documento no lo admite, normaliza saltos de
// línea y recorta, que es la representación que espera la otra parte.
func canonicalize(data []byte) []byte {
	dec := xml.NewDecoder(bytes.NewReader(data))
	dec.Entity = map[string]string{}
	out, err := c14n.Canonicalize(dec)
	if err != nil {
		s := strings.ReplaceAll(string(data), "\r\n", "\n")
		s = strings.ReplaceAll(s, "\r", "\n")
		return []byte(strings.TrimSpace(s))
	}
	return out
}

func (s *XAdESService) buildSignedInfo(docDigest, signedPropsDigest, signedPropsID string) string {
	var sb strings.Builder
	sb.WriteString(`<ds:SignedInfo xmlns:ds="` + NamespaceDS + `">`)
	sb.WriteString(`<ds:CanonicalizationMethod Algorithm="` + AlgC14N + `"/>`)
	sb.WriteString(`<ds:SignatureMethod Algorithm="` + AlgRSASHA256 + `"/>`)
	sb.WriteString(`<ds:Reference URI="">`)
	sb.WriteString(`<ds:Transforms>`)
	sb.WriteString(`<ds:Transform Algorithm="` + TransformEnveloped + `"/>`)
	sb.WriteString(`<ds:Transform Algorithm="` + AlgC14N + `"/>`)
	sb.WriteString(`</ds:Transforms>`)
	sb.WriteString(`<ds:DigestMethod Algorithm="` + AlgSHA256 + `"/>`)
	sb.WriteString(`<ds:DigestValue>` + docDigest + `</ds:DigestValue>`)
	sb.WriteString(`</ds:Reference>`)
	sb.WriteString(`<ds:Reference URI="#` + signedPropsID + `" Type="` + TypeSignedProperties + `">`)
	sb.WriteString(`<ds:DigestMethod Algorithm="` + AlgSHA256 + `"/>`)
	sb.WriteString(`<ds:DigestValue>` + signedPropsDigest + `</ds:DigestValue>`)
	sb.WriteString(`</ds:Reference>`)
	sb.WriteString(`</ds:SignedInfo>`)
	return sb.String()
}

func (s *XAdESService) buildSignedProperties(id, signingTime, certDigestB64, issuerName, serial string) string {
	var sb strings.Builder
	sb.WriteString(`<xades:SignedProperties xmlns:xades="` + NamespaceXAdES + `" Id="` + id + `">`)
	sb.WriteString(`<xades:SignedSignatureProperties>`)
	sb.WriteString(`<xades:SigningTime>` + signingTime + `</xades:SigningTime>`)
	sb.WriteString(`<xades:SigningCertificateV2><xades:Cert>`)
	sb.WriteString(`<xades:CertDigest>`)
	sb.WriteString(`<ds:DigestMethod xmlns:ds="` + NamespaceDS + `" Algorithm="` + AlgSHA256 + `"/>`)
	sb.WriteString(`<ds:DigestValue xmlns:ds="` + NamespaceDS + `">` + certDigestB64 + `</ds:DigestValue>`)
	sb.WriteString(`</xades:CertDigest>`)
	sb.WriteString(`<xades:IssuerSerial>`)
	sb.WriteString(`<ds:X509IssuerName xmlns:ds="` + NamespaceDS + `">` + escapeXML(issuerName) + `</ds:X509IssuerName>`)
	sb.WriteString(`<ds:X509SerialNumber xmlns:ds="` + NamespaceDS + `">` + serial + `</ds:X509SerialNumber>`)
	sb.WriteString(`</xades:IssuerSerial>`)
	sb.WriteString(`</xades:Cert></xades:SigningCertificateV2>`)
	sb.WriteString(`</xades:SignedSignatureProperties>`)
	sb.WriteString(`<xades:SignedDataObjectProperties>`)
	sb.WriteString(`<xades:DataObjectFormat ObjectReference="#xmldsig-ref0">`)
	sb.WriteString(`<xades:MimeType>text/xml</xades:MimeType>`)
	sb.WriteString(`</xades:DataObjectFormat>`)
	sb.WriteString(`</xades:SignedDataObjectProperties>`)
	sb.WriteString(`</xades:SignedProperties>`)
	return sb.String()
}

func (s *XAdESService) buildSignature(signatureID, signedInfo, signatureValueID, signatureValueB64, keyInfoID, certB64, signedProps string) string {
	var sb strings.Builder
	sb.WriteString(`<ds:Signature xmlns:ds="` + NamespaceDS + `" Id="` + signatureID + `">`)
	sb.WriteString(signedInfo)
	sb.WriteString(`<ds:SignatureValue Id="` + signatureValueID + `">` + signatureValueB64 + `</ds:SignatureValue>`)
	sb.WriteString(`<ds:KeyInfo Id="` + keyInfoID + `">`)
	sb.WriteString(`<ds:X509Data><ds:X509Certificate>` + certB64 + `</ds:X509Certificate></ds:X509Data>`)
	sb.WriteString(`</ds:KeyInfo>`)
	sb.WriteString(`<ds:Object>`)
	sb.WriteString(`<xades:QualifyingProperties xmlns:xades="` + NamespaceXAdES + `" Target="#` + signatureID + `">`)
	sb.WriteString(signedProps)
	sb.WriteString(`</xades:QualifyingProperties>`)
	sb.WriteString(`</ds:Object>`)
	sb.WriteString(`</ds:Signature>`)
	return sb.String()
}

// spliceSignature inserta el nodo de firma antes del último cierre de elemento.
func spliceSignature(xmlBytes []byte, signature string) ([]byte, error) {
	doc := string(xmlBytes)
	trimmed := strings.TrimRight(doc, " \t\r\n")
	idx := strings.LastIndex(trimmed, "</")
	if idx < 0 {
		return nil, ErrNoClosingTag
	}
	var out strings.Builder
	out.Grow(len(doc) + len(signature) + 1)
	out.WriteString(doc[:idx])
	out.WriteString(signature)
	out.WriteString("\n")
	out.WriteString(doc[idx:])
	return []byte(out.String()), nil
}

func sha256B64(data []byte) string {
	h := sha256.Sum256(data)
	return base64.StdEncoding.EncodeToString(h[:])
}

func escapeXML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	s = strings.ReplaceAll(s, "\"", "&quot;")
	return s
}

func generateID(prefix string) string {
	return prefix + "-" + uuid.NewString()[:8]
}
