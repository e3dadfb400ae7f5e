package conn

// MediaType is a Content-Type value.
type MediaType string

const (
	MediaApplicationFormURLEncoded MediaType = "application/x-www-form-urlencoded"
	MediaApplicationJSON           MediaType = "application/json"
	MediaApplicationJavascript     MediaType = "application/javascript"
	MediaApplicationOctetStream    MediaType = "application/octet-stream"
	MediaApplicationXML            MediaType = "application/xml"
	MediaImageGIF                  MediaType = "image/gif"
	MediaImageJPEG                 MediaType = "image/jpeg"
	MediaImagePNG                  MediaType = "image/png"
	MediaMultipartFormData         MediaType = "multipart/form-data"
	MediaTextCSV                   MediaType = "text/csv"
	MediaTextHTML                  MediaType = "text/html"
	MediaTextPlain                 MediaType = "text/plain"
	MediaTextXML                   MediaType = "text/xml"
)
