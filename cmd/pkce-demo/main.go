package main

import (
	"context"
	"fmt"
	"log"

	"github.com/tendant/simple-delegation/pkg/agent"
	"github.com/tendant/simple-delegation/pkg/delegation"
	"github.com/tendant/simple-delegation/pkg/grant"
	"github.com/tendant/simple-delegation/pkg/pkce"
	"github.com/tendant/simple-delegation/pkg/revocation"
	"github.com/tendant/simple-delegation/pkg/token"
)

func main() {
	fmt.Println("=== PKCE Delegation Demo ===")
	ctx := context.Background()

	// Initialize services
	signing, err := token.NewSigningConfig([]byte("demo-secret-demo-secret-demo-secret!"))
	if err != nil {
		log.Fatal("Failed to build signing config: ", err)
	}
	revoked := revocation.NewMemoryStore()
	issuer := token.NewIssuer(signing)
	validator := token.NewValidator(signing, revoked)

	agents := agent.NewService(agent.NewInMemoryRepository())
	requests := delegation.NewInMemoryRepository()
	manager := delegation.NewManager(requests, agents, issuer, revoked)
	grants := grant.NewService(requests, issuer, validator, revoked)

	if _, err := agents.Register(ctx, agent.RegisterInput{
		ID:     "calendar-agent",
		Name:   "Calendar Assistant",
		Scopes: []string{"calendar:read", "calendar:write"},
	}); err != nil {
		log.Fatal("Failed to register agent: ", err)
	}
	fmt.Println("✓ Agent calendar-agent registered")

	// 1. Generate PKCE parameters
	verifier, err := pkce.GenerateCodeVerifier()
	if err != nil {
		log.Fatal("Failed to generate code verifier: ", err)
	}
	challenge := verifier.S256Challenge()

	fmt.Printf("✓ Generated PKCE parameters:\n")
	fmt.Printf("  Code Verifier: %s\n", verifier.Value)
	fmt.Printf("  Code Challenge: %s\n", challenge.Value)

	// 2. Request and approve delegation
	req, err := manager.Create(ctx, delegation.CreateInput{
		AgentID:             "calendar-agent",
		Delegator:           "alice",
		Scopes:              []string{"calendar:read"},
		CodeChallenge:       challenge.Value,
		CodeChallengeMethod: string(pkce.ChallengeS256),
	})
	if err != nil {
		log.Fatal("Failed to create delegation request: ", err)
	}
	fmt.Printf("✓ Delegation request %s is %s\n", req.ID, req.Status)

	approval, err := manager.Approve(ctx, req.ID)
	if err != nil {
		log.Fatal("Failed to approve delegation: ", err)
	}
	fmt.Printf("✓ Approved, delegation token expires in %ds\n", approval.ExpiresIn)

	// 3. Wrong verifier is rejected and does not burn the exchange
	fmt.Println("\n=== Testing failure case ===")
	wrong, _ := pkce.GenerateCodeVerifier()
	_, err = grants.Exchange(ctx, grant.ExchangeInput{
		GrantType:       grant.GrantTypeTokenExchange,
		DelegationToken: approval.DelegationToken,
		CodeVerifier:    wrong.Value,
	})
	if err == nil {
		log.Fatal("Should have failed with wrong code verifier")
	}
	fmt.Printf("✓ Correctly rejected wrong code verifier: %s\n", err.Error())

	// 4. Exchange with the right verifier
	result, err := grants.Exchange(ctx, grant.ExchangeInput{
		GrantType:       grant.GrantTypeTokenExchange,
		DelegationToken: approval.DelegationToken,
		CodeVerifier:    verifier.Value,
	})
	if err != nil {
		log.Fatal("Failed to exchange delegation token: ", err)
	}
	fmt.Printf("✓ Access token issued (scope %q, expires in %ds)\n", result.Scope.String(), result.ExpiresIn)

	info := grants.Introspect(ctx, result.AccessToken)
	fmt.Printf("  Subject: %s\n", info.Subject)
	fmt.Printf("  Actor: %s\n", info.Actor)

	// 5. Replay fails
	if _, err := grants.Exchange(ctx, grant.ExchangeInput{
		GrantType:       grant.GrantTypeTokenExchange,
		DelegationToken: approval.DelegationToken,
		CodeVerifier:    verifier.Value,
	}); err == nil {
		log.Fatal("Replayed exchange should have failed")
	}
	fmt.Println("✓ Replayed exchange rejected")

	// 6. Revoke and observe
	if err := grants.Revoke(ctx, result.AccessToken); err != nil {
		log.Fatal("Failed to revoke access token: ", err)
	}
	if _, err := validator.ValidateAccess(ctx, result.AccessToken); err == nil {
		log.Fatal("Revoked token should not validate")
	} else {
		fmt.Printf("✓ Revoked access token rejected: %s\n", err.Error())
	}

	fmt.Println("\n=== PKCE Delegation Demo Complete ===")
}
