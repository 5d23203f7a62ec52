package handlers

import (
	"io"
	"mime/multipart"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"wildlife-backend/internal/models"
	"wildlife-backend/internal/repository"
	"wildlife-backend/internal/services"
)

const defaultPageSize = 50

// MediaHandler serves one media kind. Routes mount it twice, under /audio
// and /images.
type MediaHandler struct {
	media *services.MediaService
	kind  models.MediaKind
}

func NewMediaHandler(media *services.MediaService, kind models.MediaKind) *MediaHandler {
	return &MediaHandler{media: media, kind: kind}
}

// Upload accepts a multipart form with one or more "files" parts.
func (h *MediaHandler) Upload(c *fiber.Ctx) error {
	surveyID, err := uuid.Parse(c.Params("survey_id"))
	if err != nil {
		return badRequest(c, "Invalid survey ID")
	}
	form, err := c.MultipartForm()
	if err != nil {
		return badRequest(c, "Expected multipart form data")
	}

	parts := form.File["files"]
	files := make([]services.UploadFile, 0, len(parts))
	for _, fh := range parts {
		data, err := readPart(fh)
		if err != nil {
			return respondError(c, err)
		}
		files = append(files, services.UploadFile{Filename: fh.Filename, Data: data})
	}

	items, err := h.media.Upload(c.UserContext(), surveyID, h.kind, files)
	if err != nil {
		return respondError(c, err)
	}

	records := make([]repository.MediaSummary, len(items))
	for i := range items {
		records[i] = repository.MediaSummary{MediaItem: items[i]}
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"items": records,
		"count": len(records),
	})
}

func readPart(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, eris.Wrapf(err, "open upload %s", fh.Filename)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, eris.Wrapf(err, "read upload %s", fh.Filename)
	}
	return data, nil
}

// List supports ?status=, ?needs_review=, ?limit= and ?offset=.
func (h *MediaHandler) List(c *fiber.Ctx) error {
	surveyID, err := uuid.Parse(c.Params("survey_id"))
	if err != nil {
		return badRequest(c, "Invalid survey ID")
	}

	filter := repository.ListFilter{
		Limit:  c.QueryInt("limit", defaultPageSize),
		Offset: c.QueryInt("offset", 0),
	}
	if filter.Limit < 1 || filter.Limit > 500 || filter.Offset < 0 {
		return badRequest(c, "limit must be within 1..500 and offset non-negative")
	}
	if s := c.Query("status"); s != "" {
		status := models.ProcessingStatus(s)
		switch status {
		case models.StatusPending, models.StatusProcessing, models.StatusCompleted, models.StatusFailed:
			filter.Status = status
		default:
			return badRequest(c, "Invalid status filter")
		}
	}
	if c.Query("needs_review") != "" {
		v := c.QueryBool("needs_review")
		filter.NeedsReview = &v
	}

	items, err := h.media.List(c.UserContext(), surveyID, h.kind, filter)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{
		"items":  items,
		"count":  len(items),
		"limit":  filter.Limit,
		"offset": filter.Offset,
	})
}

func (h *MediaHandler) Get(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "Invalid media ID")
	}
	item, err := h.media.Get(c.UserContext(), h.kind, id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(item)
}

func (h *MediaHandler) Delete(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "Invalid media ID")
	}
	if err := h.media.Delete(c.UserContext(), h.kind, id); err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"message": "Media deleted", "id": id})
}

// Process starts a new attempt. ?force=true reprocesses completed items.
func (h *MediaHandler) Process(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "Invalid media ID")
	}
	item, err := h.media.TriggerProcessing(c.UserContext(), h.kind, id, c.QueryBool("force"))
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(item)
}

func (h *MediaHandler) DownloadURL(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "Invalid media ID")
	}
	url, expires, err := h.media.DownloadURL(c.UserContext(), h.kind, id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"url": url, "expires_at": expires})
}
