package realtime

import (
	"errors"

	gojwt "github.com/golang-jwt/jwt/v5"
)

type SessionAuth struct {
	ByJwt      string
	InstanceId Id
	AppVersion string
}

func (self *SessionAuth) UserId() (string, error) {
	token, err := ParseSessionTokenUnverified(self.ByJwt)
	if err != nil {
		return "", err
	}
	return token.UserId, nil
}

// claims extracted from the session jwt. The token is verified by the
// server on connect; the client only reads identity out of it.
type SessionToken struct {
	UserId          string
	OrganizationIds []string
}

func ParseSessionTokenUnverified(byJwt string) (*SessionToken, error) {
	if byJwt == "" {
		return nil, errors.New("missing session token")
	}

	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(byJwt, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := token.Claims.(gojwt.MapClaims)

	sessionToken := &SessionToken{}

	if userId, ok := claims["user_id"].(string); ok {
		sessionToken.UserId = userId
	}
	if organizationIds, ok := claims["organization_ids"].([]any); ok {
		for _, organizationId := range organizationIds {
			if organizationIdStr, ok := organizationId.(string); ok {
				sessionToken.OrganizationIds = append(sessionToken.OrganizationIds, organizationIdStr)
			}
		}
	}

	return sessionToken, nil
}

type Organization struct {
	Id            string   `json:"_id"`
	Name          string   `json:"name"`
	MemberUserIds []string `json:"members,omitempty"`
}

// Session is the identity the sync client runs under. It is owned by the
// auth collaborator; this package only reads it.
type Session struct {
	Auth   *SessionAuth
	UserId string

	// explicit memberships from the session token
	OrganizationIds []string

	// known organizations with their member lists, from the bulk load
	Organizations []*Organization
}

func NewSession(auth *SessionAuth, organizations []*Organization) (*Session, error) {
	token, err := ParseSessionTokenUnverified(auth.ByJwt)
	if err != nil {
		return nil, err
	}
	return &Session{
		Auth:            auth,
		UserId:          token.UserId,
		OrganizationIds: token.OrganizationIds,
		Organizations:   organizations,
	}, nil
}

// a match on either membership source authorizes
func (self *Session) IsMemberOf(organizationId string) bool {
	for _, memberOrganizationId := range self.OrganizationIds {
		if memberOrganizationId == organizationId {
			return true
		}
	}
	for _, organization := range self.Organizations {
		if organization.Id != organizationId {
			continue
		}
		for _, memberUserId := range organization.MemberUserIds {
			if memberUserId == self.UserId {
				return true
			}
		}
	}
	return false
}
