package e2e

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/renderfleet/api/internal/auth"
	"github.com/renderfleet/api/internal/client"
	"github.com/renderfleet/api/internal/config"
	"github.com/renderfleet/api/internal/cost"
	"github.com/renderfleet/api/internal/handler"
	"github.com/renderfleet/api/internal/middleware"
	"github.com/renderfleet/api/internal/notify"
	"github.com/renderfleet/api/internal/progress"
	"github.com/renderfleet/api/internal/service"
)

const testJWTSecret = "test-secret-for-e2e"

// testApp holds all components needed for testing
type testApp struct {
	app *fiber.App
}

// stubStorage satisfies the storage interface without talking to S3. No
// orchestrator runs in these tests, so only the submission-path calls matter.
type stubStorage struct{}

func (stubStorage) Upload(ctx context.Context, key string, body io.Reader, contentType string) (string, error) {
	return "https://cdn.example.com/" + key, nil
}
func (stubStorage) Copy(ctx context.Context, srcKey, dstKey string) error { return nil }
func (stubStorage) Delete(ctx context.Context, key string) error          { return nil }
func (stubStorage) DeletePrefix(ctx context.Context, prefix string) (int64, error) {
	return 2048, nil
}
func (stubStorage) HeadSize(ctx context.Context, key string) (int64, error) { return 0, nil }
func (stubStorage) GetSignedURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	return "https://signed.example.com/" + key, nil
}
func (stubStorage) GetPublicURL(key string) string { return "https://cdn.example.com/" + key }
func (stubStorage) BucketName() string { return "renderfleet-test" }

// setupApp creates a Fiber app identical to main.go but with stubbed storage
// and no worker server, so submitted jobs stay in their created state.
func setupApp(t *testing.T) *testApp {
	t.Helper()

	// Redis (localhost — must be running)
	redisClient := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15, // use DB 15 for tests to avoid collision
	})

	// Asynq client
	asynqClient := asynq.NewClient(asynq.RedisClientOpt{
		Addr: "localhost:6379",
		DB:   15,
	})
	t.Cleanup(func() { asynqClient.Close() })

	validate := validator.New()

	cfg := &config.Config{
		Server: config.ServerConfig{Port: "8000"},
		JWT:    config.JWTConfig{Secret: testJWTSecret},
		Render: config.RenderConfig{
			MaxRetriesPerChunk: 1,
			JobTimeoutMs:       1800000,
			RetryBackoffMs:     500,
			RetryBackoffCapMs:  10000,
			MemoryMb:           2048,
			DiskMb:             512,
		},
		Pricing: config.PricingConfig{Region: "us-east-1"},
	}

	store := progress.NewRedisStore(redisClient)
	estimator := cost.NewEstimator(cfg.Pricing.Region)
	notifier := notify.NewNotifier()

	var storage client.StorageClient = stubStorage{}
	renderService := service.NewRenderService(store, storage, asynqClient, estimator, notifier, cfg)
	renderHandler := handler.NewRenderHandler(renderService, validate)

	authMiddleware := middleware.NewAuthMiddleware(testJWTSecret)
	rateLimiter := middleware.NewRateLimiter(redisClient)

	// Fiber app
	app := fiber.New(fiber.Config{
		BodyLimit: 10 * 1024 * 1024,
	})

	// Base routes
	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"timestamp": 1234567890})
	})
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ok",
			"services": fiber.Map{
				"redis":   redisClient.Ping(c.Context()).Err() == nil,
				"storage": true,
				"worker":  false,
				"muxer":   false,
				"auth":    true,
			},
		})
	})

	// API routes (authenticated)
	api := app.Group("/api", authMiddleware.Authenticate())

	// Use very high rate limits so tests don't get blocked
	render := api.Group("/render")
	render.Post("/start", rateLimiter.RenderLimit(10000), renderHandler.Start)
	render.Get("/status/:renderId", renderHandler.Status)
	render.Post("/cancel/:renderId", renderHandler.Cancel)
	render.Delete("/:renderId", renderHandler.Delete)

	return &testApp{app: app}
}

// generateToken creates an HMAC JWT token for test requests.
func generateToken(t *testing.T) string {
	t.Helper()
	claims := auth.Claims{
		UserID: "test-user-123",
		Email:  "test@example.com",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer: "renderfleet-api",
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("failed to generate test token: %v", err)
	}
	return signed
}

// doRequest is a helper to perform HTTP requests against the test app.
func doRequest(app *fiber.App, method, path string, body string, headers map[string]string) (*http.Response, error) {
	var bodyReader io.Reader
	if body != "" {
		bodyReader = strings.NewReader(body)
	}

	req, err := http.NewRequest(method, path, bodyReader)
	if err != nil {
		return nil, err
	}

	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	return app.Test(req, -1)
}

// doAuthRequest performs an authenticated request.
func doAuthRequest(t *testing.T, app *fiber.App, method, path, body string) (*http.Response, error) {
	t.Helper()
	token := generateToken(t)
	return doRequest(app, method, path, body, map[string]string{
		"Authorization": "Bearer " + token,
	})
}

// readBody reads and returns the response body as a string.
func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	return string(b)
}

// parseJSON parses response body into a map.
func parseJSON(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	body := readBody(t, resp)
	var result map[string]interface{}
	if err := json.Unmarshal([]byte(body), &result); err != nil {
		t.Fatalf("failed to parse JSON: %v\nbody: %s", err, body)
	}
	return result
}

// assertStatus checks the HTTP status code.
func assertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("expected status %d, got %d", expected, resp.StatusCode)
	}
}
