// Constantes para la firma XAdES Enveloped (ETSI EN 319 132, art. 14
// Orden HAC/1177/2024).

package signer

// Namespaces y algoritmos XMLDSig / XAdES.
const (
	NamespaceDS    = "http://www.w3.org/2000/09/xmldsig#"
	NamespaceXAdES = "http://uri.etsi.org/01903/v1.3.2#"

	AlgC14N            = "http://www.w3.org/TR/2001/REC-xml-c14n-20010315"
	AlgRSASHA256       = "http://www.w3.org/2001/04/xmldsig-more#rsa-sha256"
	AlgSHA256          = "http://www.w3.org/2001/04/xmlenc#sha256"
	TransformEnveloped = "http://www.w3.org/2000/09/xmldsig#enveloped-signature"

	// TypeSignedProperties identifica la Reference al bloque SignedProperties.
	TypeSignedProperties = "http://uri.etsi.org/01903#SignedProperties"
)
