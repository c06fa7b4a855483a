// Package agent manages the registry of software agents that users may
// delegate authority to.
//
// An agent's registered scopes are the upper bound of anything it can ever
// be delegated. Agents are stored behind the Repository interface, with
// in-memory, JSON file and PostgreSQL implementations.
//
//	repo := agent.NewInMemoryRepository()
//	svc := agent.NewService(repo)
//	a, err := svc.Register(ctx, agent.RegisterInput{
//		ID:     "calendar-agent",
//		Name:   "Calendar Assistant",
//		Scopes: []string{"calendar:read", "calendar:write"},
//	})
package agent
