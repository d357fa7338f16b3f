package handlers

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/quillblog/apiserver/internal/auth"
	"github.com/quillblog/apiserver/internal/services"
	"github.com/quillblog/apiserver/types"
)

const (
	defaultMaxUploadBytes = 10 << 20
	maxMultipartMemory    = 32 << 20
	multipartOverhead     = 1 << 20
	formFieldTitle        = "title"
	formFieldSummary      = "summary"
	formFieldContent      = "content"
	formFieldFile         = "file"
	genericContentType    = "application/octet-stream"
)

var errUploadTooLarge = errors.New("uploaded file too large")

// PostHandler provides HTTP handlers for posts.
type PostHandler struct {
	postService    *services.PostService
	cookieName     string
	maxUploadBytes int64
}

// NewPostHandler constructs a handler with the provided service.
func NewPostHandler(postService *services.PostService, cookieName string, maxUploadBytes int64) *PostHandler {
	if maxUploadBytes <= 0 {
		maxUploadBytes = defaultMaxUploadBytes
	}
	return &PostHandler{
		postService:    postService,
		cookieName:     cookieName,
		maxUploadBytes: maxUploadBytes,
	}
}

// PostRouter registers post routes on the given router. Mutating routes
// reject a missing or invalid token before the request body is read, then
// pass the raw token on to the service.
func PostRouter(
	r chi.Router,
	postService *services.PostService,
	tokens *auth.Tokens,
	cookieName string,
	maxUploadBytes int64,
) {
	handler := NewPostHandler(postService, cookieName, maxUploadBytes)
	authMiddleware := RequireAuth(tokens, cookieName)

	r.Get("/", handler.ListPosts)
	r.With(authMiddleware).Post("/", handler.CreatePost)
	r.Route("/{postID}", func(r chi.Router) {
		r.Get("/", handler.GetPost)
		r.With(authMiddleware).Put("/", handler.UpdatePost)
		r.With(authMiddleware).Delete("/", handler.DeletePost)
	})
}

func (h *PostHandler) ListPosts(w http.ResponseWriter, r *http.Request) {
	posts, err := h.postService.ListRecent(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list posts")
		return
	}
	if posts == nil {
		posts = []types.Post{}
	}
	writeJSON(w, http.StatusOK, posts)
}

func (h *PostHandler) GetPost(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r, "postID")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	post, err := h.postService.Get(r.Context(), id)
	if err != nil {
		writeServiceError(w, err, "failed to fetch post")
		return
	}

	writeJSON(w, http.StatusOK, post)
}

func (h *PostHandler) CreatePost(w http.ResponseWriter, r *http.Request) {
	in, err := h.parsePostForm(w, r)
	if err != nil {
		writeFormError(w, err)
		return
	}

	created, err := h.postService.Create(r.Context(), auth.FromRequest(r, h.cookieName), in)
	if err != nil {
		writeServiceError(w, err, "failed to create post")
		return
	}

	writeJSON(w, http.StatusCreated, created)
}

func (h *PostHandler) UpdatePost(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r, "postID")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	in, err := h.parsePostForm(w, r)
	if err != nil {
		writeFormError(w, err)
		return
	}

	updated, err := h.postService.Update(r.Context(), auth.FromRequest(r, h.cookieName), id, in)
	if err != nil {
		writeServiceError(w, err, "failed to update post")
		return
	}

	writeJSON(w, http.StatusOK, updated)
}

func (h *PostHandler) DeletePost(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r, "postID")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.postService.Delete(r.Context(), auth.FromRequest(r, h.cookieName), id); err != nil {
		writeServiceError(w, err, "failed to delete post")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// parsePostForm reads the text fields and the optional cover image. Plain
// url-encoded forms are accepted for edits without a file.
func (h *PostHandler) parsePostForm(w http.ResponseWriter, r *http.Request) (services.PostInput, error) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes+multipartOverhead)

	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		if !errors.Is(err, http.ErrNotMultipart) {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) || strings.Contains(err.Error(), "request body too large") {
				return services.PostInput{}, errUploadTooLarge
			}
			return services.PostInput{}, errors.New("invalid multipart form")
		}
		if err := r.ParseForm(); err != nil {
			return services.PostInput{}, errors.New("invalid form")
		}
	}

	in := services.PostInput{
		Title:   r.FormValue(formFieldTitle),
		Summary: r.FormValue(formFieldSummary),
		Content: r.FormValue(formFieldContent),
	}

	cover, err := h.parseCoverFile(r.MultipartForm)
	if err != nil {
		return services.PostInput{}, err
	}
	in.Cover = cover
	return in, nil
}

func (h *PostHandler) parseCoverFile(form *multipart.Form) (*services.Upload, error) {
	if form == nil {
		return nil, nil
	}

	files := form.File[formFieldFile]
	if len(files) == 0 {
		return nil, nil
	}
	if len(files) > 1 {
		return nil, errors.New("only one file is allowed")
	}

	fileHeader := files[0]
	file, err := fileHeader.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	data, err := readFileLimited(file, h.maxUploadBytes)
	_ = file.Close()
	if err != nil {
		return nil, err
	}

	return &services.Upload{
		Data:        data,
		ContentType: detectContentType(fileHeader.Header.Get("Content-Type"), data),
	}, nil
}

func readFileLimited(reader io.Reader, limit int64) ([]byte, error) {
	limited := io.LimitReader(reader, limit+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, errors.New("failed to read upload")
	}
	if int64(len(data)) > limit {
		return nil, errUploadTooLarge
	}
	return data, nil
}

// detectContentType sniffs the bytes and uses the sniffed type whenever it
// disagrees with the declared part type. AVIF is kept as declared because
// net/http cannot sniff it.
func detectContentType(declared string, data []byte) string {
	declared = strings.TrimSpace(declared)
	if len(data) == 0 {
		return declared
	}
	sniffed := http.DetectContentType(data)
	if mediaType(sniffed) == genericContentType && mediaType(declared) == "image/avif" {
		return declared
	}
	if mediaType(declared) != mediaType(sniffed) {
		return sniffed
	}
	return declared
}

func mediaType(contentType string) string {
	base, _, _ := strings.Cut(contentType, ";")
	return strings.ToLower(strings.TrimSpace(base))
}

func writeFormError(w http.ResponseWriter, err error) {
	if errors.Is(err, errUploadTooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
		return
	}
	writeError(w, http.StatusBadRequest, err.Error())
}
