package identity

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	cip "github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider"
	"github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"github.com/example/ai-check-client/internal/apperror"
	"github.com/example/ai-check-client/internal/logging"
)

const (
	defaultSignUpError  = "failed to register the user"
	defaultConfirmError = "failed to confirm the verification code"
	defaultSignInError  = "failed to sign in"
	defaultRefreshError = "failed to refresh the session"
	defaultUserError    = "failed to load the current user"
	defaultSignOutError = "failed to sign out"
)

// CognitoConfig identifies the user pool app client.
type CognitoConfig struct {
	Region       string
	UserPoolID   string
	ClientID     string
	ClientSecret string
	// Endpoint overrides the regional endpoint, e.g. for a local emulator.
	Endpoint string
}

// cognitoAPI is the part of the Cognito user pool API the provider calls.
type cognitoAPI interface {
	SignUp(ctx context.Context, params *cip.SignUpInput, optFns ...func(*cip.Options)) (*cip.SignUpOutput, error)
	ConfirmSignUp(ctx context.Context, params *cip.ConfirmSignUpInput, optFns ...func(*cip.Options)) (*cip.ConfirmSignUpOutput, error)
	InitiateAuth(ctx context.Context, params *cip.InitiateAuthInput, optFns ...func(*cip.Options)) (*cip.InitiateAuthOutput, error)
	GetUser(ctx context.Context, params *cip.GetUserInput, optFns ...func(*cip.Options)) (*cip.GetUserOutput, error)
	GlobalSignOut(ctx context.Context, params *cip.GlobalSignOutInput, optFns ...func(*cip.Options)) (*cip.GlobalSignOutOutput, error)
}

// CognitoProvider implements Provider against an Amazon Cognito user pool.
type CognitoProvider struct {
	api          cognitoAPI
	clientID     string
	clientSecret string
	logger       *zap.Logger
	now          func() time.Time
}

// NewCognitoProvider builds a provider for the configured app client. The
// user pool APIs used by public clients need no AWS credentials.
func NewCognitoProvider(ctx context.Context, cfg CognitoConfig, logger *zap.Logger) (*CognitoProvider, error) {
	if strings.TrimSpace(cfg.ClientID) == "" {
		return nil, errors.New("cognito client id is required")
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = regionFromPoolID(cfg.UserPoolID)
	}
	if region == "" {
		return nil, errors.New("cognito region is required when the user pool id does not carry one")
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(aws.AnonymousCredentials{}),
	)
	if err != nil {
		return nil, logging.NewOperationError("identity.load_aws_config", "", err)
	}

	client := cip.NewFromConfig(awsCfg, func(o *cip.Options) {
		if endpoint := strings.TrimSpace(cfg.Endpoint); endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	return newCognitoProvider(client, cfg.ClientID, cfg.ClientSecret, logger), nil
}

func newCognitoProvider(api cognitoAPI, clientID, clientSecret string, logger *zap.Logger) *CognitoProvider {
	return &CognitoProvider{
		api:          api,
		clientID:     strings.TrimSpace(clientID),
		clientSecret: strings.TrimSpace(clientSecret),
		logger:       logger.Named("cognito"),
		now:          time.Now,
	}
}

// regionFromPoolID extracts "eu-west-1" from "eu-west-1_AbCdEf".
func regionFromPoolID(poolID string) string {
	region, _, found := strings.Cut(strings.TrimSpace(poolID), "_")
	if !found {
		return ""
	}
	return region
}

func (p *CognitoProvider) SignUp(ctx context.Context, params SignUpParams) (*SignUpResult, error) {
	out, err := p.api.SignUp(ctx, &cip.SignUpInput{
		ClientId:   aws.String(p.clientID),
		Username:   aws.String(params.Username),
		Password:   aws.String(params.Password),
		SecretHash: p.secretHash(params.Username),
		UserAttributes: []types.AttributeType{
			{Name: aws.String("email"), Value: aws.String(params.Email)},
		},
	})
	if err != nil {
		return nil, p.failure("identity.sign_up", params.Username, defaultSignUpError, err)
	}
	return &SignUpResult{RequiresVerification: !out.UserConfirmed}, nil
}

func (p *CognitoProvider) ConfirmSignUp(ctx context.Context, username, code string) error {
	_, err := p.api.ConfirmSignUp(ctx, &cip.ConfirmSignUpInput{
		ClientId:         aws.String(p.clientID),
		Username:         aws.String(username),
		ConfirmationCode: aws.String(code),
		SecretHash:       p.secretHash(username),
	})
	if err != nil {
		return p.failure("identity.confirm_sign_up", username, defaultConfirmError, err)
	}
	return nil
}

func (p *CognitoProvider) SignIn(ctx context.Context, username, password string) (*Tokens, error) {
	authParams := map[string]string{
		"USERNAME": username,
		"PASSWORD": password,
	}
	if hash := p.secretHash(username); hash != nil {
		authParams["SECRET_HASH"] = *hash
	}

	out, err := p.api.InitiateAuth(ctx, &cip.InitiateAuthInput{
		AuthFlow:       types.AuthFlowTypeUserPasswordAuth,
		ClientId:       aws.String(p.clientID),
		AuthParameters: authParams,
	})
	if err != nil {
		return nil, p.failure("identity.sign_in", username, defaultSignInError, err)
	}
	return p.tokensFrom("identity.sign_in", username, out)
}

func (p *CognitoProvider) Refresh(ctx context.Context, username, refreshToken string) (*Tokens, error) {
	authParams := map[string]string{"REFRESH_TOKEN": refreshToken}
	if hash := p.secretHash(username); hash != nil {
		authParams["SECRET_HASH"] = *hash
	}

	out, err := p.api.InitiateAuth(ctx, &cip.InitiateAuthInput{
		AuthFlow:       types.AuthFlowTypeRefreshTokenAuth,
		ClientId:       aws.String(p.clientID),
		AuthParameters: authParams,
	})
	if err != nil {
		return nil, p.failure("identity.refresh", username, defaultRefreshError, err)
	}
	return p.tokensFrom("identity.refresh", username, out)
}

func (p *CognitoProvider) GetUser(ctx context.Context, accessToken string) (*User, error) {
	out, err := p.api.GetUser(ctx, &cip.GetUserInput{AccessToken: aws.String(accessToken)})
	if err != nil {
		return nil, p.failure("identity.get_user", "", defaultUserError, err)
	}

	user := &User{Username: aws.ToString(out.Username)}
	for _, attr := range out.UserAttributes {
		switch aws.ToString(attr.Name) {
		case "sub":
			user.ID = aws.ToString(attr.Value)
		case "email":
			user.Email = aws.ToString(attr.Value)
		}
	}
	if user.ID == "" {
		user.ID = user.Username
	}
	return user, nil
}

func (p *CognitoProvider) SignOut(ctx context.Context, accessToken string) error {
	if _, err := p.api.GlobalSignOut(ctx, &cip.GlobalSignOutInput{AccessToken: aws.String(accessToken)}); err != nil {
		return p.failure("identity.sign_out", "", defaultSignOutError, err)
	}
	return nil
}

func (p *CognitoProvider) tokensFrom(operation, username string, out *cip.InitiateAuthOutput) (*Tokens, error) {
	if out.ChallengeName != "" {
		msg := fmt.Sprintf("sign in requires an additional step (%s)", out.ChallengeName)
		return nil, apperror.AuthFailure(msg, logging.NewOperationError(operation, username, errors.New(string(out.ChallengeName))))
	}
	result := out.AuthenticationResult
	if result == nil || aws.ToString(result.AccessToken) == "" {
		return nil, apperror.AuthFailure(defaultSignInError, logging.NewOperationError(operation, username, errors.New("no authentication result")))
	}

	tokens := &Tokens{
		AccessToken:  aws.ToString(result.AccessToken),
		IDToken:      aws.ToString(result.IdToken),
		RefreshToken: aws.ToString(result.RefreshToken),
	}
	if result.ExpiresIn > 0 {
		tokens.ExpiresAt = p.now().Add(time.Duration(result.ExpiresIn) * time.Second)
	}
	return tokens, nil
}

// failure surfaces the provider's own message, falling back to a generic one
// for errors that never reached the service.
func (p *CognitoProvider) failure(operation, username, fallback string, err error) error {
	message := fallback
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if m := strings.TrimSpace(apiErr.ErrorMessage()); m != "" {
			message = m
		}
		p.logger.Debug("cognito api error",
			zap.String("operation", operation),
			zap.String("code", apiErr.ErrorCode()),
		)
	}
	return apperror.AuthFailure(message, logging.NewOperationError(operation, username, err))
}

// secretHash is required by app clients configured with a secret.
func (p *CognitoProvider) secretHash(username string) *string {
	if p.clientSecret == "" {
		return nil
	}
	mac := hmac.New(sha256.New, []byte(p.clientSecret))
	mac.Write([]byte(username + p.clientID))
	return aws.String(base64.StdEncoding.EncodeToString(mac.Sum(nil)))
}
