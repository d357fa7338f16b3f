package types

import "time"

// Post is a blog entry written by a single author.
type Post struct {
	// ID is the unique identifier of the post.
	ID int `json:"id" db:"id"`

	// Title is the headline of the post.
	Title string `json:"title" db:"title"`

	// Summary is the short teaser shown in listings.
	Summary string `json:"summary" db:"summary"`

	// Content is the body of the post as submitted by the editor.
	Content string `json:"content" db:"content"`

	// Cover references the cover image held in the asset store.
	// It is nil only for posts that never had an image uploaded.
	Cover *Cover `json:"cover,omitempty" db:"cover"`

	// Author identifies the user who created the post. It is assigned once,
	// at creation, and never changes afterwards.
	Author Author `json:"author" db:"author"`

	// CreatedAt is the timestamp at which the post was created.
	CreatedAt time.Time `json:"created_at" db:"created_at"`

	// UpdatedAt is the timestamp of the most recent update to the post.
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Cover points at an image object in the asset store.
type Cover struct {
	// ID is the opaque key of the object in the asset store.
	ID string `json:"id" db:"cover_id"`

	// URL is where clients can fetch the image.
	URL string `json:"url" db:"cover_url"`
}

// Author is the public view of a post's author.
type Author struct {
	ID       int    `json:"id" db:"author_id"`
	Username string `json:"username" db:"author_username"`
}
