/*
Package certutil holds the key material primitives of certwarden and the
operations on them: certificate generation, PKCS#10 request creation and CSR
signing.

	ca, _ := certutil.NewGenerator().Generate(
		certutil.SelfSigned("CN").IsCA(true).Validity(certutil.DefaultCAValidity))

	csr, _ := certutil.NewCSRGenerator(nil).GenerateCSR(pw, "node1", []string{"node1", "10.0.0.5"}, keys)

	chain, _ := certutil.NewSigner().SignChain(ca.PrivateKey, ca.Certificate, csr, certutil.ValidityDays(30))

Serial numbers are random 128-bit integers. Subject alternative names keep the
order they were given in, without duplicates; IP literals become IP SANs and
everything else a DNS SAN.

Failures are reported as *GenerationError (keys, certificates, requests) or
*SigningError (malformed request, issuer mismatch, invalid validity).
*/
package certutil
