package developer

import (
	"context"
	"time"

	"github.com/blacktop/sideload/internal/errs"
	"github.com/google/uuid"
)

// Certificate is a development certificate issued to a team
type Certificate struct {
	Name           string     `plist:"name"`
	CertificateID  string     `plist:"certificateId"`
	SerialNumber   string     `plist:"serialNumber"`
	Status         string     `plist:"status,omitempty"`
	MachineName    *string    `plist:"machineName,omitempty"`
	MachineID      *string    `plist:"machineId,omitempty"`
	ExpirationDate *time.Time `plist:"expirationDate,omitempty"`
	// CertContent is the DER encoded certificate
	CertContent []byte `plist:"certContent"`
}

func (c *Certificate) validate() error {
	switch {
	case c.CertificateID == "":
		return errs.Missing("certificate", "certificateId")
	case c.SerialNumber == "":
		return errs.Missing("certificate", "serialNumber")
	case len(c.CertContent) == 0:
		return errs.Missing("certificate", "certContent")
	}
	return nil
}

type listCertsResponse struct {
	Certificates *[]Certificate `plist:"certificates"`
}

type certRequest struct {
	CertRequestID string `plist:"certRequestId"`
}

type submitCSRResponse struct {
	CertRequest *certRequest `plist:"certRequest"`
}

// ListAllDevelopmentCerts returns every development certificate of team
func (c *Client) ListAllDevelopmentCerts(ctx context.Context, team Team, platform Platform) ([]Certificate, error) {
	resp, err := send[listCertsResponse](ctx, c, platform, "listAllDevelopmentCerts", map[string]any{
		"teamId": team.TeamID,
	})
	if err != nil {
		return nil, err
	}
	if resp.Certificates == nil {
		return nil, errs.Missing("listAllDevelopmentCerts response", "certificates")
	}
	for i := range *resp.Certificates {
		if err := (*resp.Certificates)[i].validate(); err != nil {
			return nil, err
		}
	}
	return *resp.Certificates, nil
}

// RevokeDevelopmentCert revokes the certificate with serial number serial
func (c *Client) RevokeDevelopmentCert(ctx context.Context, team Team, platform Platform, serial string) error {
	_, err := send[empty](ctx, c, platform, "revokeDevelopmentCert", map[string]any{
		"teamId":       team.TeamID,
		"serialNumber": serial,
	})
	return err
}

// SubmitDevelopmentCSR submits a PEM encoded CSR and returns the id of the
// certificate Apple issues for it
func (c *Client) SubmitDevelopmentCSR(ctx context.Context, team Team, platform Platform, csr, machineName string) (string, error) {
	resp, err := send[submitCSRResponse](ctx, c, platform, "submitDevelopmentCSR", map[string]any{
		"teamId":      team.TeamID,
		"csrContent":  csr,
		"machineId":   uuid.NewString(),
		"machineName": machineName,
	})
	if err != nil {
		return "", err
	}
	if resp.CertRequest == nil || resp.CertRequest.CertRequestID == "" {
		return "", errs.Missing("submitDevelopmentCSR response", "certRequest.certRequestId")
	}
	return resp.CertRequest.CertRequestID, nil
}
