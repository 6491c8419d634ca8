package router

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cache"
)

// HttpCacheInMemory caches GET responses in memory for ttl seconds. Status
// polls from many clients collapse into one handler execution per window;
// mutating verbs always bypass the cache.
func HttpCacheInMemory(ttl int) fiber.Handler {
	if ttl <= 0 {
		ttl = 5
	}
	return cache.New(cache.Config{
		Expiration: time.Duration(ttl) * time.Second,
		Next: func(c *fiber.Ctx) bool {
			return c.Method() != fiber.MethodGet
		},
	})
}
