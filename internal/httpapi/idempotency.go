package httpapi

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ims/internal/domain"
)

// HeaderIdempotencyKey — заголовок идемпотентного повтора мутирующего запроса.
const HeaderIdempotencyKey = "Idempotency-Key"

// NewIdempotencyMiddleware возвращает fiber-middleware слоя идемпотентности.
// Запрос без заголовка проходит насквозь. Повтор с тем же ключом и телом
// воспроизводит сохранённый ответ; повтор с другим телом отклоняется.
func NewIdempotencyMiddleware(repo domain.IdempotencyRepository, ttl time.Duration, logger *log.Entry) fiber.Handler {
	if logger == nil {
		logger = log.WithField("component", "idempotency-middleware")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	return func(c *fiber.Ctx) error {
		key := c.Get(HeaderIdempotencyKey)
		if key == "" || repo == nil {
			return c.Next()
		}

		hash := requestHash(c.Method(), c.Path(), c.Body())
		_, err := repo.CreateProcessing(key, hash, time.Now().UTC().Add(ttl))
		switch {
		case err == nil:
			// Первый запрос с этим ключом: обрабатываем и запоминаем ответ.
		case errors.Is(err, domain.ErrIdempotencyHashMismatch):
			return c.Status(fiber.StatusUnprocessableEntity).JSON(errorResponse{
				Code:    "IDEMPOTENCY_MISMATCH",
				Message: "idempotency key reused with different request body",
			})
		case errors.Is(err, domain.ErrIdempotencyKeyAlreadyExists):
			record, getErr := repo.Get(key)
			if getErr != nil {
				logger.WithError(getErr).WithField("key", key).Warn("failed to load idempotency record")
				return c.Status(fiber.StatusInternalServerError).JSON(errorResponse{
					Code:    "INTERNAL",
					Message: "idempotency lookup failed",
				})
			}
			if record.Status == domain.IdempotencyStatusProcessing {
				return c.Status(fiber.StatusConflict).JSON(errorResponse{
					Code:    "REQUEST_IN_FLIGHT",
					Message: "request with this idempotency key is being processed",
				})
			}
			// Повтор завершённого запроса: отдаём сохранённый ответ.
			c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
			return c.Status(record.HTTPStatus).Send(record.ResponseBody)
		default:
			logger.WithError(err).WithField("key", key).Warn("idempotency registration failed")
			return c.Status(fiber.StatusInternalServerError).JSON(errorResponse{
				Code:    "INTERNAL",
				Message: "idempotency registration failed",
			})
		}

		if err := c.Next(); err != nil {
			return err
		}

		status := c.Response().StatusCode()
		body := append([]byte(nil), c.Response().Body()...)

		var markErr error
		if status < fiber.StatusBadRequest {
			markErr = repo.MarkDone(key, body, status)
		} else {
			markErr = repo.MarkFailed(key, body, status)
		}
		if markErr != nil {
			logger.WithError(markErr).WithField("key", key).Warn("failed to store idempotent response")
		}

		return nil
	}
}

func requestHash(method, path string, body []byte) string {
	sum := sha256.New()
	sum.Write([]byte(method))
	sum.Write([]byte(":"))
	sum.Write([]byte(path))
	sum.Write([]byte(":"))
	sum.Write(body)
	return hex.EncodeToString(sum.Sum(nil))
}
