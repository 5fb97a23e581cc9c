// Package app provides application initialization and lifecycle
// management. It handles the orchestration of all major components
// including configuration loading, service initialization, and graceful
// shutdown procedures.
//
// # Initialization Flow
//
// The typical initialization sequence:
//
//	1. Load configuration from environment and files
//	2. Initialize logging
//	3. Connect the store and run migrations
//	4. Initialize the key-management backend
//	5. Wire services with their dependencies
//	6. Set up HTTP handlers and middleware
//	7. Start the server and the connection cleanup worker
//	8. Set up graceful shutdown handlers
package app
