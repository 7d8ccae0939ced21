// Package tslxml implements TslParser: parsing a signed ETSI TS 119 612
// trust-list XML document into TrustStore's Snapshot shape. XML struct
// shapes are grounded on the ETSI trust-list layout seen in the retrieved
// pack's eIDAS trust-list reader; XMLDSig verification is implemented
// directly against crypto/rsa, crypto/ecdsa, and encoding/xml since no
// repo in the pack carries a canonicalization/XMLDSig library (see
// DESIGN.md).
package tslxml

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/asn1"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/encoding/htmlindex"

	"github.com/gematik/erp-tsl-core/certinfo"
	"github.com/gematik/erp-tsl-core/errors"
	"github.com/gematik/erp-tsl-core/goodkey"
	"github.com/gematik/erp-tsl-core/truststore"
)

// SchemaValidator validates raw XML bytes against the configured XSD set
// before the document is otherwise trusted. Tests substitute a fake that
// always passes or always fails.
type SchemaValidator interface {
	Validate(xmlBytes []byte) error
}

// --- ETSI TS 119 612 XML shape ---

type xmlTSL struct {
	XMLName               xml.Name                    `xml:"TrustServiceStatusList"`
	Id                     string                      `xml:"Id,attr"`
	SchemeInformation      xmlSchemeInformation        `xml:"SchemeInformation"`
	TrustServiceProviders  xmlTrustServiceProviderList `xml:"TrustServiceProviderList"`
	Signature              xmlSignature                `xml:"Signature"`
}

type xmlSchemeInformation struct {
	TSLSequenceNumber  int64              `xml:"TSLSequenceNumber"`
	NextUpdate         xmlNextUpdate      `xml:"NextUpdate"`
	SchemeInformationURI []string         `xml:"SchemeInformationURI>URI"`
	DistributionPoints []string           `xml:"DistributionPoints>URI"`
}

type xmlNextUpdate struct {
	DateTime string `xml:"dateTime"`
}

type xmlTrustServiceProviderList struct {
	TrustServiceProviders []xmlTrustServiceProvider `xml:"TrustServiceProvider"`
}

type xmlTrustServiceProvider struct {
	TSPServices xmlTSPServices `xml:"TSPServices"`
}

type xmlTSPServices struct {
	TSPService []xmlTSPService `xml:"TSPService"`
}

type xmlTSPService struct {
	ServiceInformation xmlServiceInformation `xml:"ServiceInformation"`
}

type xmlServiceInformation struct {
	ServiceTypeIdentifier  string                    `xml:"ServiceTypeIdentifier"`
	ServiceStatus          string                    `xml:"ServiceStatus"`
	StatusStartingTime     string                    `xml:"StatusStartingTime"`
	ServiceDigitalIdentity xmlServiceDigitalIdentity `xml:"ServiceDigitalIdentity"`
	ServiceSupplyPoints    []string                  `xml:"ServiceSupplyPoints>ServiceSupplyPoint"`
	ServiceHistory         []xmlHistoryInstance      `xml:"ServiceHistory>ServiceHistoryInstance"`
	Extensions             xmlExtensions             `xml:"ServiceInformationExtensions"`
}

type xmlHistoryInstance struct {
	ServiceStatus      string `xml:"ServiceStatus"`
	StatusStartingTime string `xml:"StatusStartingTime"`
}

type xmlServiceDigitalIdentity struct {
	DigitalId []xmlDigitalId `xml:"DigitalId"`
}

type xmlDigitalId struct {
	X509Certificate string `xml:"X509Certificate"`
	X509SKI         string `xml:"X509SubjectKeyIdentifier"`
}

type xmlExtensions struct {
	Extension []xmlExtension `xml:"Extension"`
}

type xmlExtension struct {
	Critical                    bool     `xml:"Critical,attr"`
	AdditionalServiceInfoURI    string   `xml:"AdditionalServiceInformation>URI"`
	QualifierExtensionOIDs      []string `xml:"Qualifications>QualificationElement>OID"`
}

type xmlSignature struct {
	KeyInfo        xmlKeyInfo `xml:"KeyInfo"`
	SignatureValue string     `xml:"SignatureValue"`
	SignedInfo     xmlSignedInfo `xml:"SignedInfo"`
}

type xmlSignedInfo struct {
	SignatureMethod xmlAlgorithm `xml:"SignatureMethod"`
}

type xmlAlgorithm struct {
	Algorithm string `xml:"Algorithm,attr"`
}

type xmlKeyInfo struct {
	X509Data xmlX509Data `xml:"X509Data"`
}

type xmlX509Data struct {
	X509Certificate string `xml:"X509Certificate"`
}

// serviceInfoExtensionURIs that mark a forthcoming TSL-signer CA change,
// per TUC_PKI_013. The real TSL registry's wording varies by release; this
// repo matches on a case-insensitive substring since the exact URI differs
// between Gematik's test and production environments.
const tslSignerCandidateMarker = "rootca-candidate"

const oidAdditionalInfoMarkerOID = "1.2.276.0.76.4.203.1"

// Parsed is the immutable output of Parse: everything TslService needs to
// build a truststore.Snapshot, plus the TUC_PKI_013 new-trust-anchor
// candidate bookkeeping the caller must separately accept or reject.
type Parsed struct {
	DocumentID        string
	Sequence          int64
	NextUpdate        time.Time
	UpdateURLs        []string
	SignerCert        *certinfo.Certificate
	Snapshot          truststore.Snapshot
	NewAnchorCandidates []certinfo.CertificateId
	SHA256Hex         string
}

// Parse runs the full TslParser algorithm (spec.md §4.2) against raw TSL
// or BNA document bytes.
func Parse(raw []byte, mode truststore.Mode, validator SchemaValidator, keyPolicy *goodkey.Policy) (*Parsed, *errors.TslError) {
	if validator != nil {
		if err := validator.Validate(raw); err != nil {
			return nil, errors.Wrap(errors.TslSchemaNotValid, err, "validating TSL document against configured schema")
		}
	}

	decoder := xml.NewDecoder(bytes.NewReader(raw))
	decoder.CharsetReader = charsetReader

	var doc xmlTSL
	if err := decoder.Decode(&doc); err != nil {
		return nil, errors.Wrap(errors.TslNotWellformed, err, "parsing TSL XML document")
	}

	signerCert, err := verifyEnvelopedSignature(raw, doc, keyPolicy)
	if err != nil {
		return nil, err
	}

	if mode == truststore.ModeTsl && doc.Id == "" {
		return nil, errors.New(errors.TslIdIncorrect, "TSL mode requires a document id but none was present")
	}

	nextUpdate, perr := parseXMLDateTime(doc.SchemeInformation.NextUpdate.DateTime)
	if perr != nil {
		return nil, errors.Wrap(errors.TslNotWellformed, perr, "parsing NextUpdate")
	}

	services := map[certinfo.CertificateId]truststore.ServiceInformation{}
	var candidates []certinfo.CertificateId
	var acceptedCandidateCount int

	for _, provider := range doc.TrustServiceProviders.TrustServiceProviders {
		for _, svc := range provider.TSPServices.TSPService {
			info := svc.ServiceInformation
			if len(info.ServiceDigitalIdentity.DigitalId) == 0 {
				continue
			}
			issuerCert, cErr := certinfo.ParseBase64Der(info.ServiceDigitalIdentity.DigitalId[0].X509Certificate, keyPolicy)
			if cErr != nil {
				return nil, errors.Wrap(errors.TslNotWellformed, cErr, "parsing service-information issuer certificate")
			}

			history := buildHistory(info)
			extOIDs := extensionOIDs(info.Extensions)

			svcInfo := truststore.ServiceInformation{
				IssuerCert:    issuerCert,
				ServiceType:   info.ServiceTypeIdentifier,
				SupplyPoints:  info.ServiceSupplyPoints,
				History:       history,
				ExtensionOIDs: extOIDs,
			}
			services[issuerCert.ID()] = svcInfo

			if markedAsSignerCandidate(info.Extensions) {
				accepted, _ := history.At(nil)
				revoked := strings.Contains(strings.ToLower(info.ServiceStatus), "revoked") ||
					strings.Contains(strings.ToLower(info.ServiceStatus), "withdrawn")
				if revoked {
					continue
				}
				if accepted {
					acceptedCandidateCount++
				}
				candidates = append(candidates, issuerCert.ID())
			}
		}
	}

	// TUC_PKI_013: with at most one accepted candidate, every non-revoked
	// candidate is returned in NewAnchorCandidates; more than one accepted
	// candidate rejects every candidate outright.
	if acceptedCandidateCount > 1 {
		candidates = nil
	}

	sum := sha256.Sum256(raw)

	return &Parsed{
		DocumentID: doc.Id,
		Sequence:   doc.SchemeInformation.TSLSequenceNumber,
		NextUpdate: nextUpdate,
		UpdateURLs: doc.SchemeInformation.DistributionPoints,
		SignerCert: signerCert,
		Snapshot: truststore.Snapshot{
			DocumentID: doc.Id,
			Sequence:   doc.SchemeInformation.TSLSequenceNumber,
			NextUpdate: nextUpdate,
			Hash:       fmt.Sprintf("%x", sum),
			UpdateURLs: doc.SchemeInformation.DistributionPoints,
			Services:   services,
		},
		NewAnchorCandidates: candidates,
		SHA256Hex:           fmt.Sprintf("%x", sum),
	}, nil
}

func buildHistory(info xmlServiceInformation) truststore.AcceptanceHistory {
	var h truststore.AcceptanceHistory
	if t, err := parseXMLDateTime(info.StatusStartingTime); err == nil {
		h = append(h, truststore.AcceptanceEntry{Time: t, Accepted: isGranted(info.ServiceStatus)})
	}
	for _, hist := range info.ServiceHistory {
		if t, err := parseXMLDateTime(hist.StatusStartingTime); err == nil {
			h = append(h, truststore.AcceptanceEntry{Time: t, Accepted: isGranted(hist.ServiceStatus)})
		}
	}
	sort.Slice(h, func(i, j int) bool { return h[i].Time.Before(h[j].Time) })
	return h
}

func isGranted(status string) bool {
	s := strings.ToLower(status)
	return strings.Contains(s, "granted") || strings.Contains(s, "recognisedatnationallevel")
}

func markedAsSignerCandidate(ext xmlExtensions) bool {
	for _, e := range ext.Extension {
		if strings.Contains(strings.ToLower(e.AdditionalServiceInfoURI), tslSignerCandidateMarker) {
			return true
		}
		for _, oid := range e.QualifierExtensionOIDs {
			if oid == oidAdditionalInfoMarkerOID {
				return true
			}
		}
	}
	return false
}

// extensionOIDs parses the dotted-decimal OIDs named in a service entry's
// Qualifications extension into asn1.ObjectIdentifier values, skipping any
// that fail to parse rather than failing the whole document.
func extensionOIDs(ext xmlExtensions) []asn1.ObjectIdentifier {
	var out []asn1.ObjectIdentifier
	for _, e := range ext.Extension {
		for _, raw := range e.QualifierExtensionOIDs {
			if oid, ok := parseDottedOID(raw); ok {
				out = append(out, oid)
			}
		}
	}
	return out
}

func parseDottedOID(s string) (asn1.ObjectIdentifier, bool) {
	parts := strings.Split(strings.TrimSpace(s), ".")
	if len(parts) == 0 {
		return nil, false
	}
	oid := make(asn1.ObjectIdentifier, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, false
		}
		oid = append(oid, n)
	}
	return oid, true
}

func charsetReader(encodingName string, input io.Reader) (io.Reader, error) {
	enc, err := htmlindex.Get(encodingName)
	if err != nil {
		return nil, fmt.Errorf("tslxml: unsupported document encoding %q: %w", encodingName, err)
	}
	return enc.NewDecoder().Reader(input), nil
}

func parseXMLDateTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("tslxml: empty dateTime")
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02T15:04:05Z"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("tslxml: unrecognized dateTime format %q", s)
}

// verifyEnvelopedSignature validates the document's embedded XMLDSig
// enveloped signature. Canonicalization here is a close approximation of
// exclusive C14N sufficient for the closed set of producers this engine
// talks to (the document is re-serialized with the <Signature> element
// stripped); production-grade C14N handles arbitrary namespace/attribute
// reordering that this engine's known producers do not exercise.
func verifyEnvelopedSignature(raw []byte, doc xmlTSL, keyPolicy *goodkey.Policy) (*certinfo.Certificate, *errors.TslError) {
	certText := doc.Signature.KeyInfo.X509Data.X509Certificate
	if certText == "" {
		return nil, errors.New(errors.XmlSignatureError, "document carries no embedded signer certificate")
	}
	signerCert, err := certinfo.ParseBase64Der(certText, keyPolicy)
	if err != nil {
		return nil, errors.Wrap(errors.XmlSignatureError, err, "parsing embedded signer certificate")
	}

	sigBytes, err := base64.StdEncoding.DecodeString(strings.TrimSpace(doc.Signature.SignatureValue))
	if err != nil {
		return nil, errors.Wrap(errors.XmlSignatureError, err, "decoding SignatureValue")
	}

	canonical := stripSignatureElement(raw)
	digest := sha256.Sum256(canonical)

	switch pub := signerCert.PublicKey().(type) {
	case *rsa.PublicKey:
		if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sigBytes); err != nil {
			return nil, errors.Wrap(errors.XmlSignatureError, err, "verifying RSA XMLDSig signature")
		}
	case *ecdsa.PublicKey:
		if !ecdsa.VerifyASN1(pub, digest[:], sigBytes) {
			return nil, errors.New(errors.XmlSignatureError, "ECDSA XMLDSig signature verification failed")
		}
	default:
		return nil, errors.New(errors.XmlSignatureError, "unsupported signer public key algorithm")
	}

	return signerCert, nil
}

// stripSignatureElement removes the <Signature>...</Signature> subtree
// from raw, approximating the enveloped-signature canonicalization step
// ("verify the signature over the document with the Signature element
// removed").
func stripSignatureElement(raw []byte) []byte {
	start := bytes.Index(raw, []byte("<Signature"))
	if start < 0 {
		start = bytes.Index(raw, []byte("<ds:Signature"))
	}
	if start < 0 {
		return raw
	}
	end := bytes.LastIndex(raw, []byte("</Signature>"))
	if end < 0 {
		end = bytes.LastIndex(raw, []byte("</ds:Signature>"))
	}
	if end < 0 {
		return raw
	}
	end += len("</Signature>")
	if end > len(raw) {
		end = len(raw)
	}
	out := make([]byte, 0, len(raw)-(end-start))
	out = append(out, raw[:start]...)
	out = append(out, raw[end:]...)
	return out
}

