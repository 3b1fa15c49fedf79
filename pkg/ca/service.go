package ca

import (
	"crypto"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/cuemby/certwarden/pkg/certutil"
	"github.com/cuemby/certwarden/pkg/events"
	"github.com/cuemby/certwarden/pkg/keystore"
	"github.com/cuemby/certwarden/pkg/log"
	"github.com/cuemby/certwarden/pkg/metrics"
	"github.com/cuemby/certwarden/pkg/storage"
	"github.com/cuemby/certwarden/pkg/types"
	"github.com/rs/zerolog"
)

// DefaultOrganization is the CA subject used when none is given
const DefaultOrganization = "Graylog CA"

const (
	collectionCA = "ca_keystores"
	keyCA        = "ca"
	keyMetadata  = "ca_metadata"
)

// StoreLocation is where a store-backed CA keystore lives
var StoreLocation = keystore.StoreLocation{Collection: collectionCA, Key: keyCA}

// Config selects the CA storage. With KeystoreFile set the CA lives only in
// that file, protected by Password; otherwise it is kept in the cluster store
// and Password is the process password secret.
type Config struct {
	KeystoreFile string
	Password     []byte
}

// Service owns the CA private key. The key never leaves the service: callers
// get certificates, signed chains and truststores only.
type Service struct {
	mu        sync.Mutex
	store     storage.Store
	keystores *keystore.Storage
	location  keystore.Location
	password  *keystore.Password
	generator *certutil.Generator
	signer    *certutil.Signer
	publisher events.Publisher
	logger    zerolog.Logger
}

// NewService creates the CA service. publisher may be nil when no cluster
// bus is available (offline tools).
func NewService(store storage.Store, keystores *keystore.Storage, cfg Config, publisher events.Publisher) *Service {
	var loc keystore.Location = StoreLocation
	if cfg.KeystoreFile != "" {
		loc = keystore.FileLocation{Path: cfg.KeystoreFile}
	}
	return &Service{
		store:     store,
		keystores: keystores,
		location:  loc,
		password:  keystore.NewPassword(cfg.Password),
		generator: certutil.NewGenerator(),
		signer:    certutil.NewSigner(),
		publisher: publisher,
		logger:    log.WithComponent("ca").With().Str("location", loc.String()).Logger(),
	}
}

// WithGenerator replaces the key and certificate generator
func (s *Service) WithGenerator(g *certutil.Generator) *Service {
	s.generator = g
	return s
}

func (s *Service) isLocal() bool {
	_, ok := s.location.(keystore.FileLocation)
	return ok
}

func (s *Service) load() (*CAKeystoreWithPassword, error) {
	var ks *keystore.KeyStore
	err := s.password.Use(func(pw []byte) error {
		var err error
		ks, err = s.keystores.ReadKeyStore(s.location, pw, keystore.AliasCA)
		return err
	})
	if keystore.IsNotFound(err) {
		return nil, ErrNoCA
	}
	if err != nil {
		return nil, err
	}
	return &CAKeystoreWithPassword{keystore: ks, password: s.password}, nil
}

func (s *Service) save(ks *keystore.KeyStore) error {
	return s.password.Use(func(pw []byte) error {
		return s.keystores.WriteKeyStore(s.location, ks, pw)
	})
}

// Exists reports whether a CA keystore can be loaded. Only a clean "nothing
// stored" is reported as absent; unreadable keystores are errors.
func (s *Service) Exists() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.load()
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrNoCA):
		return false, nil
	default:
		return false, err
	}
}

// Type returns the kind of the active CA
func (s *Service) Type() (Type, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.load(); err != nil {
		return nil, err
	}
	return s.caType(), nil
}

func (s *Service) caType() Type {
	if fl, ok := s.location.(keystore.FileLocation); ok {
		return Local{Path: fl.Path}
	}
	data, err := s.store.GetClusterConfig(keyMetadata)
	if err != nil {
		return Uploaded{}
	}
	var md metadata
	if err := json.Unmarshal(data, &md); err != nil {
		return Uploaded{}
	}
	return md.caType()
}

func validateOrganization(org string) error {
	err := validation.Validate(org,
		validation.Required,
		validation.Length(1, 64),
		validation.By(func(value interface{}) error {
			if strings.ContainsAny(value.(string), ",=+\"\\<>;") {
				return errors.New("must not contain distinguished name separators")
			}
			return nil
		}),
	)
	if err != nil {
		return fmt.Errorf("organization %s%w", err.Error(), ErrInvalidParameter)
	}
	return nil
}

// CreateSelfSigned generates a new root CA with subject CN=organization and
// makes it the active CA, replacing any previous one.
func (s *Service) CreateSelfSigned(organization string) (*Info, error) {
	if organization == "" {
		organization = DefaultOrganization
	}
	if err := validateOrganization(organization); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	kp, err := s.generator.Generate(certutil.SelfSigned(organization).
		WithOrganization(organization).
		IsCA(true).
		Validity(certutil.DefaultCAValidity))
	if err != nil {
		return nil, err
	}
	ks, err := keystore.FromKeyPair(keystore.AliasCA, kp)
	if err != nil {
		return nil, err
	}

	t := Generated{Organization: organization}
	if err := s.activate(ks, t); err != nil {
		return nil, err
	}
	s.logger.Info().Str("subject", kp.Certificate.Subject.String()).Msg("Created self-signed CA")
	return newInfo(s.typeFor(t), ks.Chain()), nil
}

// typeFor reports a file-backed CA as Local whatever created it
func (s *Service) typeFor(t Type) Type {
	if fl, ok := s.location.(keystore.FileLocation); ok {
		return Local{Path: fl.Path}
	}
	return t
}

// activate persists ks as the active CA and announces the change. For a
// store-backed CA the metadata is written first and restored if the keystore
// write fails, so a failed activation leaves the prior CA as it was.
func (s *Service) activate(ks *keystore.KeyStore, t Type) error {
	if s.isLocal() {
		if err := s.save(ks); err != nil {
			return err
		}
	} else if err := s.saveWithMetadata(ks, t); err != nil {
		return err
	}
	metrics.CAExpiry.Set(float64(ks.Certificate().NotAfter.Unix()))
	s.publish(events.CertificateAuthorityChanged{Fingerprint: Fingerprint(ks.Certificate())})
	return nil
}

func (s *Service) saveWithMetadata(ks *keystore.KeyStore, t Type) error {
	md := metadata{Type: t.Name(), CreatedAt: time.Now().UTC()}
	if g, ok := t.(Generated); ok {
		md.Organization = g.Organization
	}
	data, err := json.Marshal(md)
	if err != nil {
		return err
	}

	prev, err := s.store.GetClusterConfig(keyMetadata)
	if err != nil && !storage.IsNotFound(err) {
		return fmt.Errorf("failed to read CA metadata: %w", err)
	}
	if err := s.store.PutClusterConfig(keyMetadata, data); err != nil {
		return fmt.Errorf("failed to store CA metadata: %w", err)
	}
	if err := s.save(ks); err != nil {
		s.restoreMetadata(prev)
		return err
	}
	return nil
}

// restoreMetadata puts back the metadata of the prior CA, or removes it when
// there was none
func (s *Service) restoreMetadata(prev []byte) {
	var err error
	if prev == nil {
		err = s.store.DeleteClusterConfig(keyMetadata)
	} else {
		err = s.store.PutClusterConfig(keyMetadata, prev)
	}
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to restore CA metadata")
	}
}

func (s *Service) publish(p events.Payload) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(p); err != nil {
		s.logger.Error().Err(err).Str("event", string(p.EventType())).Msg("Failed to publish CA event")
	}
}

// CreateFromUpload imports a CA from PEM files or a PKCS#12 container. The
// upload must hold exactly one private key whose certificate is a CA. On
// failure the previously active CA is left untouched.
func (s *Service) CreateFromUpload(password []byte, parts []UploadPart) error {
	ks, err := parseUpload(password, parts)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.activate(ks, Uploaded{}); err != nil {
		return err
	}
	s.logger.Info().Str("subject", ks.Certificate().Subject.String()).Int("chain", len(ks.Chain())).Msg("Imported uploaded CA")
	return nil
}

// SignCertificateRequest signs csr with the CA key. The certificate lifetime
// follows the renewal policy. The returned chain ends at the CA certificate.
func (s *Service) SignCertificateRequest(csr *x509.CertificateRequest, policy types.RenewalPolicy) (*certutil.CertificateChain, error) {
	timer := metrics.NewTimer()

	s.mu.Lock()
	defer s.mu.Unlock()

	ca, err := s.load()
	if err != nil {
		return nil, err
	}

	var chain *certutil.CertificateChain
	err = ca.keystore.WithPrivateKey(func(key crypto.Signer) error {
		var err error
		chain, err = s.signer.SignChain(key, ca.keystore.Certificate(), csr, certutil.ValidityFromPolicy(policy))
		return err
	})
	if err != nil {
		return nil, err
	}

	timer.ObserveDuration(metrics.CASignDuration)
	metrics.CertificatesSigned.Inc()
	s.logger.Info().
		Str("subject", chain.Leaf.Subject.String()).
		Time("not_after", chain.Leaf.NotAfter).
		Msg("Signed certificate request")
	return chain, nil
}

// Certificate returns the active CA certificate
func (s *Service) Certificate() (*x509.Certificate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ca, err := s.load()
	if err != nil {
		return nil, err
	}
	return ca.keystore.Certificate(), nil
}

// EncodedCertificate returns the CA certificate (and any issuers) as PEM
func (s *Service) EncodedCertificate() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ca, err := s.load()
	if err != nil {
		return "", err
	}
	return string(certutil.EncodeCertificatesPEM(ca.keystore.Chain())), nil
}

// CertificateExpiration returns when the CA certificate expires
func (s *Service) CertificateExpiration() (time.Time, error) {
	cert, err := s.Certificate()
	if err != nil {
		return time.Time{}, err
	}
	return cert.NotAfter, nil
}

// Truststore returns the certificate-only view of the CA
func (s *Service) Truststore() (*keystore.Truststore, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ca, err := s.load()
	if err != nil {
		return nil, err
	}
	return keystore.NewTruststore(ca.keystore.Chain()...), nil
}

// Info describes the active CA
func (s *Service) Info() (*Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ca, err := s.load()
	if err != nil {
		return nil, err
	}
	return newInfo(s.caType(), ca.keystore.Chain()), nil
}

// Reset drops the persisted CA. A missing CA is not an error. A local file
// CA belongs to the operator: its file is left in place and stays active.
func (s *Service) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isLocal() {
		s.logger.Warn().Msg("CA is a local keystore file, leaving it in place")
		return nil
	}

	if err := s.keystores.DeleteKeyStore(s.location); err != nil {
		return err
	}
	if err := s.store.DeleteClusterConfig(keyMetadata); err != nil {
		return fmt.Errorf("failed to delete CA metadata: %w", err)
	}
	metrics.CAExpiry.Set(0)
	s.publish(events.CertificateAuthorityChanged{})
	s.logger.Warn().Msg("CA removed")
	return nil
}
